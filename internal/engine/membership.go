package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/captcha"
	"github.com/shieldgrp/shieldbot/internal/db"
	sberrors "github.com/shieldgrp/shieldbot/internal/errors"
	"github.com/shieldgrp/shieldbot/internal/event"
	"github.com/shieldgrp/shieldbot/internal/observability"
	"github.com/shieldgrp/shieldbot/internal/roles"
)

// HandleJoin restricts a fresh joiner and issues a challenge. Banned
// users are removed on sight; privileged ones walk straight in.
func (e *Engine) HandleJoin(ctx context.Context, ev *event.Event) {
	role, err := e.roles.Resolve(ctx, ev.ChatID, ev.UserID)
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("cant resolve joiner role")
		return
	}
	switch {
	case role == roles.RoleBanned:
		decision := Decision{Action: ActionRemove, Role: role}
		e.enforce(ctx, ev, &decision, "ban_user", func() error {
			return e.sink.BanUser(ctx, ev.ChatID, ev.UserID)
		})
		observability.RecordDecision(string(ActionRemove))
		return
	case role.Exempt():
		e.recordMember(ctx, ev.ChatID, ev.UserID, true)
		return
	}

	e.lock(ev.ChatID, ev.UserID)
	defer e.unlock(ev.ChatID, ev.UserID)

	challenge, err := e.captcha.Begin(ctx, ev.ChatID, ev.UserID, ev.At)
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("cant issue challenge")
		return
	}

	decision := Decision{Action: ActionRestrict, Role: role}
	e.enforce(ctx, ev, &decision, "restrict_joiner", func() error {
		return e.sink.RestrictUser(ctx, ev.ChatID, ev.UserID, challenge.ExpiresAt)
	})
	e.enforce(ctx, ev, &decision, "present_challenge", func() error {
		return e.sink.PresentChallenge(ctx, challenge)
	})
	observability.RecordCaptchaOutcome("issued")
}

// HandleLeave drops per-user state for someone who left on their own;
// a later rejoin starts from a clean slate.
func (e *Engine) HandleLeave(ctx context.Context, ev *event.Event) {
	if err := e.captcha.Cancel(ctx, ev.ChatID, ev.UserID); err != nil {
		e.logger.WithField("error", err.Error()).Error("cant cancel challenge")
	}
	e.recordMember(ctx, ev.ChatID, ev.UserID, false)
}

// HandleCallback judges a challenge button press.
func (e *Engine) HandleCallback(ctx context.Context, ev *event.Event) {
	e.lock(ev.ChatID, ev.UserID)
	defer e.unlock(ev.ChatID, ev.UserID)

	outcome, err := e.captcha.AnswerToken(ctx, ev.ChatID, ev.UserID, ev.Token)
	e.settleChallenge(ctx, ev, outcome, err)
}

// HandleVoice judges a voice reply to a voice challenge.
func (e *Engine) HandleVoice(ctx context.Context, ev *event.Event) {
	e.lock(ev.ChatID, ev.UserID)
	defer e.unlock(ev.ChatID, ev.UserID)

	outcome, err := e.captcha.AnswerVoice(ctx, ev.ChatID, ev.UserID, ev.Audio)
	e.settleChallenge(ctx, ev, outcome, err)
}

// answerPendingChallenge treats a text message as a challenge answer
// when one is pending. Reports whether the message was consumed.
func (e *Engine) answerPendingChallenge(ctx context.Context, ev *event.Event) bool {
	e.lock(ev.ChatID, ev.UserID)
	defer e.unlock(ev.ChatID, ev.UserID)

	outcome, err := e.captcha.Answer(ctx, ev.ChatID, ev.UserID, ev.Text)
	if errors.Is(err, sberrors.ErrNotFound) {
		return false
	}
	e.settleChallenge(ctx, ev, outcome, err)
	return true
}

func (e *Engine) settleChallenge(ctx context.Context, ev *event.Event, outcome captcha.Outcome, err error) {
	if err != nil {
		if errors.Is(err, sberrors.ErrNotFound) {
			return
		}
		e.logger.WithFields(log.Fields{
			"chat_id": ev.ChatID,
			"user_id": ev.UserID,
			"error":   err.Error(),
		}).Error("cant judge challenge")
		return
	}

	decision := Decision{Role: roles.RoleMember}
	switch outcome {
	case captcha.OutcomePassed:
		decision.Action = ActionAllow
		e.enforce(ctx, ev, &decision, "verify_member", func() error {
			return e.sink.UnrestrictUser(ctx, ev.ChatID, ev.UserID)
		})
		e.recordMember(ctx, ev.ChatID, ev.UserID, true)
	case captcha.OutcomeFailed:
		decision.Action = ActionBan
		e.enforce(ctx, ev, &decision, "remove_unverified", func() error {
			return e.sink.BanUser(ctx, ev.ChatID, ev.UserID)
		})
		e.recordMember(ctx, ev.ChatID, ev.UserID, false)
	case captcha.OutcomeRetry:
		// Nothing to enforce; the member may try again.
	}
	observability.RecordCaptchaOutcome(string(outcome))
}

// OnChallengeExpired is handed to the captcha coordinator; a silent
// joiner is removed once the sweep times their challenge out.
func (e *Engine) OnChallengeExpired(ctx context.Context, challenge *db.Challenge) {
	ev := &event.Event{ChatID: challenge.ChatID, UserID: challenge.UserID, At: time.Now()}
	decision := Decision{Action: ActionBan, Role: roles.RoleMember}
	e.enforce(ctx, ev, &decision, "remove_unverified", func() error {
		return e.sink.BanUser(ctx, challenge.ChatID, challenge.UserID)
	})
	e.recordMember(ctx, challenge.ChatID, challenge.UserID, false)
	observability.RecordCaptchaOutcome(string(captcha.OutcomeExpired))
}

// recordMember keeps the chat roster current. Roster drift is tolerable,
// so failures are logged and swallowed.
func (e *Engine) recordMember(ctx context.Context, chatID, userID int64, present bool) {
	var err error
	if present {
		err = e.store.InsertMember(ctx, chatID, userID)
	} else {
		err = e.store.DeleteMember(ctx, chatID, userID)
	}
	if err != nil {
		e.logger.WithFields(log.Fields{
			"chat_id": chatID,
			"user_id": userID,
			"error":   err.Error(),
		}).Error("cant update roster")
	}
}
