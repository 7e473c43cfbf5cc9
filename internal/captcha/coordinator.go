package captcha

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/config"
	"github.com/shieldgrp/shieldbot/internal/db"
	sberrors "github.com/shieldgrp/shieldbot/internal/errors"
	"github.com/shieldgrp/shieldbot/internal/infra"
)

// Challenge kinds.
const (
	KindText   = "text"
	KindMath   = "math"
	KindButton = "button"
	KindVoice  = "voice"
)

type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
	OutcomeExpired Outcome = "expired"
)

type Store interface {
	CreateChallenge(ctx context.Context, challenge *db.Challenge) (*db.Challenge, error)
	GetChallenge(ctx context.Context, chatID, userID int64) (*db.Challenge, error)
	UpdateChallenge(ctx context.Context, challenge *db.Challenge) error
	DeleteChallenge(ctx context.Context, chatID, userID int64) error
	GetExpiredChallenges(ctx context.Context, now time.Time) ([]*db.Challenge, error)
}

// Transcriber turns a voice reply into text for voice challenges.
// Without one, voice verification is unavailable.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// ExpiredHandler is told about challenges the sweeper timed out, so
// the enforcement side can kick the silent joiner.
type ExpiredHandler func(ctx context.Context, challenge *db.Challenge)

// Coordinator owns the join-challenge lifecycle: issue on join, judge
// answers, time out the silent. All state lives in the store, so a
// restart picks up outstanding challenges where they were.
type Coordinator struct {
	cfg         *config.Captcha
	store       Store
	transcriber Transcriber
	onExpired   ExpiredHandler
	logger      *log.Entry

	randMutex sync.Mutex
	rand      *rand.Rand

	startStopMutex sync.Mutex
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

var challengeWords = []string{
	"orange", "window", "guitar", "castle", "pepper",
	"rocket", "meadow", "lantern", "puzzle", "harbor",
}

func NewCoordinator(cfg *config.Captcha, store Store, transcriber Transcriber, onExpired ExpiredHandler) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		transcriber: transcriber,
		onExpired:   onExpired,
		logger:      log.WithField("object", "CaptchaCoordinator"),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnExpired sets the expiry callback. Must be called before Start.
func (c *Coordinator) OnExpired(handler ExpiredHandler) {
	c.onExpired = handler
}

// Begin issues a challenge of the configured kind for a joining user.
// A live pending challenge for the same pair is returned as-is, so a
// re-join does not reset the clock; a stale pending one is expired
// first.
func (c *Coordinator) Begin(ctx context.Context, chatID, userID int64, now time.Time) (*db.Challenge, error) {
	existing, err := c.store.GetChallenge(ctx, chatID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get challenge")
	}
	if existing != nil {
		if existing.State == db.ChallengePending && existing.ExpiresAt.After(now) {
			return existing, nil
		}
		if existing.State == db.ChallengePending {
			c.expire(ctx, existing)
		} else {
			// Terminal challenges are deleted on resolution; finding
			// one here means the cleanup was lost.
			c.logger.WithField("error", (&sberrors.StateCorruptionError{
				Detail: fmt.Sprintf("terminal challenge %s for user %d in chat %d", existing.State, userID, chatID),
			}).Error()).Warn("discarding stale challenge")
		}
		if err := c.store.DeleteChallenge(ctx, chatID, userID); err != nil {
			return nil, errors.Wrap(err, "delete stale challenge")
		}
	}

	challenge := &db.Challenge{
		ChatID:      chatID,
		UserID:      userID,
		Kind:        c.cfg.Kind,
		SuccessUUID: uuid.New(),
		State:       db.ChallengePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(c.cfg.TimeoutSeconds) * time.Second),
	}
	c.generate(challenge)

	created, err := c.store.CreateChallenge(ctx, challenge)
	if err != nil {
		return nil, errors.Wrap(err, "create challenge")
	}
	return created, nil
}

func (c *Coordinator) generate(challenge *db.Challenge) {
	c.randMutex.Lock()
	defer c.randMutex.Unlock()

	switch challenge.Kind {
	case KindMath:
		a, b := c.rand.Intn(9)+1, c.rand.Intn(9)+1
		if c.rand.Intn(2) == 0 {
			challenge.Prompt = fmt.Sprintf("%d + %d", a, b)
			challenge.Answer = fmt.Sprintf("%d", a+b)
		} else {
			if a < b {
				a, b = b, a
			}
			challenge.Prompt = fmt.Sprintf("%d - %d", a, b)
			challenge.Answer = fmt.Sprintf("%d", a-b)
		}
	case KindButton:
		challenge.Prompt = "press the button below"
		challenge.Answer = challenge.SuccessUUID
	default: // text and voice share a word prompt
		word := challengeWords[c.rand.Intn(len(challengeWords))]
		challenge.Prompt = word
		challenge.Answer = word
	}
}

// Answer judges a typed reply against the pending challenge. Typing
// at a button challenge neither passes nor burns an attempt.
func (c *Coordinator) Answer(ctx context.Context, chatID, userID int64, answer string) (Outcome, error) {
	return c.judge(ctx, chatID, userID, func(challenge *db.Challenge) verdict {
		if challenge.Kind == KindButton {
			return verdictIgnore
		}
		if strings.EqualFold(strings.TrimSpace(answer), challenge.Answer) {
			return verdictPass
		}
		return verdictMiss
	})
}

// AnswerToken judges a button press by its success token.
func (c *Coordinator) AnswerToken(ctx context.Context, chatID, userID int64, token string) (Outcome, error) {
	return c.judge(ctx, chatID, userID, func(challenge *db.Challenge) verdict {
		if token != "" && token == challenge.SuccessUUID {
			return verdictPass
		}
		return verdictMiss
	})
}

// AnswerVoice transcribes a voice reply and judges it like text.
func (c *Coordinator) AnswerVoice(ctx context.Context, chatID, userID int64, audio []byte) (Outcome, error) {
	if c.transcriber == nil {
		return "", errors.Wrap(sberrors.ErrInvalidInput, "voice verification unavailable")
	}
	text, err := c.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", errors.Wrap(err, "transcribe")
	}
	return c.Answer(ctx, chatID, userID, text)
}

type verdict int

const (
	verdictMiss verdict = iota
	verdictPass
	verdictIgnore
)

func (c *Coordinator) judge(ctx context.Context, chatID, userID int64, judge func(*db.Challenge) verdict) (Outcome, error) {
	challenge, err := c.store.GetChallenge(ctx, chatID, userID)
	if err != nil {
		return "", errors.Wrap(err, "get challenge")
	}
	if challenge == nil {
		return "", errors.Wrapf(sberrors.ErrNotFound, "no challenge for user %d in chat %d", userID, chatID)
	}
	if challenge.State != db.ChallengePending {
		return "", &sberrors.StateCorruptionError{
			Detail: fmt.Sprintf("answer for %s challenge of user %d in chat %d", challenge.State, userID, chatID),
		}
	}

	switch judge(challenge) {
	case verdictPass:
		if err := c.store.DeleteChallenge(ctx, chatID, userID); err != nil {
			return "", errors.Wrap(err, "delete passed challenge")
		}
		return OutcomePassed, nil
	case verdictIgnore:
		return OutcomeRetry, nil
	}

	challenge.Attempts++
	if challenge.Attempts >= c.cfg.MaxRetries {
		challenge.State = db.ChallengeFailed
		if err := c.store.UpdateChallenge(ctx, challenge); err != nil {
			return "", errors.Wrap(err, "fail challenge")
		}
		if err := c.store.DeleteChallenge(ctx, chatID, userID); err != nil {
			return "", errors.Wrap(err, "delete failed challenge")
		}
		return OutcomeFailed, nil
	}
	if err := c.store.UpdateChallenge(ctx, challenge); err != nil {
		return "", errors.Wrap(err, "update attempts")
	}
	return OutcomeRetry, nil
}

// Cancel drops an outstanding challenge, e.g. when the user leaves on
// their own before answering.
func (c *Coordinator) Cancel(ctx context.Context, chatID, userID int64) error {
	return errors.Wrap(c.store.DeleteChallenge(ctx, chatID, userID), "delete challenge")
}

// Start launches the expiry sweeper.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startStopMutex.Lock()
	defer c.startStopMutex.Unlock()
	if c.cancel != nil {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		infra.GoRecoverable(-1, "captcha_sweeper", func() {
			c.sweepLoop(ctx)
		})
	}()
	return nil
}

func (c *Coordinator) Stop(_ context.Context) error {
	c.startStopMutex.Lock()
	defer c.startStopMutex.Unlock()
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.cancel = nil
	c.wg.Wait()
	return nil
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.SweepExpired(ctx, now)
		}
	}
}

// SweepExpired times out overdue pending challenges and hands them to
// the expired handler.
func (c *Coordinator) SweepExpired(ctx context.Context, now time.Time) {
	expired, err := c.store.GetExpiredChallenges(ctx, now)
	if err != nil {
		c.logger.WithField("error", err.Error()).Error("cant fetch expired challenges")
		return
	}
	for _, challenge := range expired {
		c.expire(ctx, challenge)
		if err := c.store.DeleteChallenge(ctx, challenge.ChatID, challenge.UserID); err != nil {
			c.logger.WithField("error", err.Error()).Error("cant delete expired challenge")
		}
	}
	if len(expired) > 0 {
		c.logger.WithField("count", len(expired)).Debug("expired challenges")
	}
}

func (c *Coordinator) expire(ctx context.Context, challenge *db.Challenge) {
	challenge.State = db.ChallengeExpired
	if err := c.store.UpdateChallenge(ctx, challenge); err != nil {
		c.logger.WithField("error", err.Error()).Error("cant mark challenge expired")
	}
	if c.onExpired != nil {
		c.onExpired(ctx, challenge)
	}
}
