package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shieldgrp/shieldbot/internal/captcha"
	"github.com/shieldgrp/shieldbot/internal/config"
	"github.com/shieldgrp/shieldbot/internal/db"
	sberrors "github.com/shieldgrp/shieldbot/internal/errors"
	"github.com/shieldgrp/shieldbot/internal/event"
	"github.com/shieldgrp/shieldbot/internal/flood"
	"github.com/shieldgrp/shieldbot/internal/observability"
	"github.com/shieldgrp/shieldbot/internal/roles"
	"github.com/shieldgrp/shieldbot/internal/scoring"
)

// Action is the single moderation outcome for one event.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionWarn     Action = "warn"
	ActionDelete   Action = "delete"
	ActionRestrict Action = "restrict"
	ActionBan      Action = "ban"
	ActionRemove   Action = "remove"
)

// rank orders actions for the merge. Remove sits on top: it only
// comes from the gban short-circuit and never loses a merge.
func (a Action) rank() int {
	switch a {
	case ActionWarn:
		return 1
	case ActionDelete:
		return 2
	case ActionRestrict:
		return 3
	case ActionBan:
		return 4
	case ActionRemove:
		return 5
	default:
		return 0
	}
}

type Decision struct {
	Action     Action
	Role       roles.Role
	Score      float64
	Categories []string
	Signals    []string
	Flood      bool
	WarnCount  int
}

// Sink applies decisions against the messenger. Implementations map
// permission rejections to ErrNoPrivileges and transient transport
// problems to TransientEnforcementError.
type Sink interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	WarnUser(ctx context.Context, chatID, userID int64, count, limit int) error
	RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) error
	UnrestrictUser(ctx context.Context, chatID, userID int64) error
	BanUser(ctx context.Context, chatID, userID int64) error
	PresentChallenge(ctx context.Context, challenge *db.Challenge) error
}

type Store interface {
	IncrementWarning(ctx context.Context, chatID, userID int64, at time.Time) (int, error)
	ResetWarnings(ctx context.Context, chatID, userID int64) error
	LogModerationAction(ctx context.Context, entry *db.ModerationLogEntry) error
	InsertMember(ctx context.Context, chatID, userID int64) error
	DeleteMember(ctx context.Context, chatID, userID int64) error
}

// BanList is the global ban authority, mutated through moderation
// commands and consulted by the role resolver.
type BanList interface {
	Ban(ctx context.Context, userID, issuedBy int64, reason string) error
	Unban(ctx context.Context, userID int64) error
}

const (
	stripeCount      = 64
	restrictDuration = time.Hour
	applyAttempts    = 3
	applyRetryStep   = 300 * time.Millisecond
)

// Engine orchestrates one decision per inbound event: role first,
// then scorer and flood detector concurrently, then a total and
// deterministic merge. Per-(chat, user) state mutations serialize on
// striped locks so concurrent events for the same pair cannot lose
// updates, while unrelated pairs proceed in parallel.
type Engine struct {
	cfg     *config.Protection
	roles   *roles.Resolver
	scorer  *scoring.Scorer
	flood   *flood.Detector
	captcha *captcha.Coordinator
	gban    BanList
	store   Store
	sink    Sink
	logger  *log.Entry
	tracer  oteltrace.Tracer

	stripes [stripeCount]sync.Mutex
}

func New(
	cfg *config.Protection,
	roleResolver *roles.Resolver,
	scorer *scoring.Scorer,
	floodDetector *flood.Detector,
	captchaCoordinator *captcha.Coordinator,
	banList BanList,
	store Store,
	sink Sink,
) *Engine {
	return &Engine{
		cfg:     cfg,
		roles:   roleResolver,
		scorer:  scorer,
		flood:   floodDetector,
		captcha: captchaCoordinator,
		gban:    banList,
		store:   store,
		sink:    sink,
		logger:  log.WithField("object", "Engine"),
		tracer:  observability.Tracer(),
	}
}

// Attach subscribes the engine's handlers to the pump.
func (e *Engine) Attach(pump *event.Pump) {
	pump.Subscribe(event.KindMessage, e.HandleMessage)
	pump.Subscribe(event.KindJoin, e.HandleJoin)
	pump.Subscribe(event.KindLeave, e.HandleLeave)
	pump.Subscribe(event.KindCallback, e.HandleCallback)
	pump.Subscribe(event.KindVoice, e.HandleVoice)
	pump.Subscribe(event.KindChatGone, e.HandleChatGone)
}

// HandleChatGone purges per-chat hot state once the bot loses a chat.
func (e *Engine) HandleChatGone(_ context.Context, ev *event.Event) {
	e.flood.DropChat(ev.ChatID)
	e.scorer.DropChat(ev.ChatID)
	e.logger.WithField("chat_id", ev.ChatID).Info("chat state dropped")
}

// Decide computes the moderation outcome for a message without
// applying it.
func (e *Engine) Decide(ctx context.Context, ev *event.Event) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.decide")
	defer span.End()

	role, err := e.roles.Resolve(ctx, ev.ChatID, ev.UserID)
	if err != nil {
		return Decision{}, errors.Wrap(err, "resolve role")
	}
	decision := Decision{Action: ActionAllow, Role: role}

	switch {
	case role == roles.RoleBanned:
		decision.Action = ActionRemove
		span.SetAttributes(attribute.String("action", string(decision.Action)))
		return decision, nil
	case role.Exempt():
		span.SetAttributes(attribute.String("action", string(decision.Action)))
		return decision, nil
	}

	e.lock(ev.ChatID, ev.UserID)
	defer e.unlock(ev.ChatID, ev.UserID)

	var scored scoring.Result
	var flooded bool
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		scored = e.scorer.Score(scoring.Message{
			ChatID:   ev.ChatID,
			UserID:   ev.UserID,
			Username: ev.Username,
			Text:     ev.Text,
			LangHint: ev.LangHint,
			SentAt:   ev.At,
		})
		return nil
	})
	g.Go(func() error {
		flooded = e.flood.RecordAndCheck(ev.ChatID, ev.UserID, ev.At)
		return nil
	})
	_ = g.Wait()

	decision.Score = scored.Score
	decision.Categories = scored.Categories
	decision.Signals = scored.Signals
	decision.Flood = flooded
	decision.Action = merge(scored.Tier, flooded)
	if role == roles.RoleMuted && decision.Action.rank() < ActionDelete.rank() {
		// A muted member should not be heard at all, but spam from one
		// still escalates past a plain delete.
		decision.Action = ActionDelete
	}

	span.SetAttributes(
		attribute.String("action", string(decision.Action)),
		attribute.Float64("score", decision.Score),
		attribute.Bool("flood", flooded),
	)
	return decision, nil
}

// merge is total over every (tier, flood) combination and
// deterministic: a flood violation alone reads as a temporary
// restriction, otherwise the harsher of the two wins.
func merge(tier scoring.Tier, flooded bool) Action {
	spam := tierAction(tier)
	if !flooded {
		return spam
	}
	if ActionRestrict.rank() >= spam.rank() {
		return ActionRestrict
	}
	return spam
}

func tierAction(tier scoring.Tier) Action {
	switch tier {
	case scoring.TierWarn:
		return ActionWarn
	case scoring.TierDelete:
		return ActionDelete
	case scoring.TierMute:
		return ActionRestrict
	case scoring.TierBan:
		return ActionBan
	default:
		return ActionAllow
	}
}

// HandleMessage decides and enforces. A failure for one message is
// logged and escalated but never blocks later messages.
func (e *Engine) HandleMessage(ctx context.Context, ev *event.Event) {
	// Moderation commands from privileged senders never reach the
	// filters.
	if e.handleCommand(ctx, ev) {
		return
	}
	// A message from someone mid-challenge is their answer, not
	// content to score.
	if e.answerPendingChallenge(ctx, ev) {
		return
	}

	done := observability.StartDecision()

	decision, err := e.Decide(ctx, ev)
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("cant decide")
		done(string(ActionAllow))
		return
	}
	if decision.Flood {
		observability.RecordFloodViolation()
	}

	e.apply(ctx, ev, &decision)
	observability.RecordDecision(string(decision.Action))
	done(string(decision.Action))
}

func (e *Engine) apply(ctx context.Context, ev *event.Event, decision *Decision) {
	switch decision.Action {
	case ActionAllow:
		return
	case ActionWarn:
		e.applyWarn(ctx, ev, decision)
	case ActionDelete:
		e.enforce(ctx, ev, decision, "delete_message", func() error {
			return e.sink.DeleteMessage(ctx, ev.ChatID, ev.MessageID)
		})
	case ActionRestrict:
		e.enforce(ctx, ev, decision, "restrict_user", func() error {
			return e.sink.RestrictUser(ctx, ev.ChatID, ev.UserID, ev.At.Add(restrictDuration))
		})
		e.enforce(ctx, ev, decision, "delete_message", func() error {
			return e.sink.DeleteMessage(ctx, ev.ChatID, ev.MessageID)
		})
	case ActionBan, ActionRemove:
		e.enforce(ctx, ev, decision, "ban_user", func() error {
			return e.sink.BanUser(ctx, ev.ChatID, ev.UserID)
		})
		if ev.MessageID != 0 {
			e.enforce(ctx, ev, decision, "delete_message", func() error {
				return e.sink.DeleteMessage(ctx, ev.ChatID, ev.MessageID)
			})
		}
	}
}

// applyWarn counts the warning and escalates to a ban once the limit
// is reached.
func (e *Engine) applyWarn(ctx context.Context, ev *event.Event, decision *Decision) {
	count, err := e.store.IncrementWarning(ctx, ev.ChatID, ev.UserID, ev.At)
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("cant count warning")
		return
	}
	decision.WarnCount = count

	if count >= e.cfg.WarnLimit {
		decision.Action = ActionBan
		e.enforce(ctx, ev, decision, "ban_user", func() error {
			return e.sink.BanUser(ctx, ev.ChatID, ev.UserID)
		})
		if err := e.store.ResetWarnings(ctx, ev.ChatID, ev.UserID); err != nil {
			e.logger.WithField("error", err.Error()).Error("cant reset warnings")
		}
		return
	}
	e.enforce(ctx, ev, decision, "warn_user", func() error {
		return e.sink.WarnUser(ctx, ev.ChatID, ev.UserID, count, e.cfg.WarnLimit)
	})
}

// enforce runs one sink call with bounded retries for transient
// failures, then records the outcome in the audit trail. Permission
// errors are final immediately.
func (e *Engine) enforce(ctx context.Context, ev *event.Event, decision *Decision, action string, f func() error) {
	var err error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		err = f()
		if err == nil {
			break
		}
		if !sberrors.IsTransient(err) || attempt == applyAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(applyRetryStep << attempt):
			continue
		}
		break
	}

	reason := reasonFor(decision)
	if err != nil {
		e.logger.WithFields(log.Fields{
			"chat_id": ev.ChatID,
			"user_id": ev.UserID,
			"action":  action,
			"error":   err.Error(),
		}).Error("enforcement failed")
		action = action + "_failed"
		reason = err.Error()
	}
	e.audit(ctx, ev, action, reason)
}

func reasonFor(decision *Decision) string {
	if len(decision.Signals) > 0 {
		return decision.Signals[0]
	}
	if decision.Flood {
		return "flood"
	}
	return string(decision.Role)
}

func (e *Engine) audit(ctx context.Context, ev *event.Event, action, reason string) {
	err := e.store.LogModerationAction(ctx, &db.ModerationLogEntry{
		ChatID:    ev.ChatID,
		UserID:    ev.UserID,
		Action:    action,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("cant write audit entry")
	}
}

func (e *Engine) lock(chatID, userID int64) {
	e.stripes[stripeIndex(chatID, userID)].Lock()
}

func (e *Engine) unlock(chatID, userID int64) {
	e.stripes[stripeIndex(chatID, userID)].Unlock()
}

func stripeIndex(chatID, userID int64) int {
	h := uint64(chatID)*0x9e3779b97f4a7c15 + uint64(userID)
	return int(h % stripeCount)
}
