package gban

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shieldgrp/shieldbot/internal/db"
	sberrors "github.com/shieldgrp/shieldbot/internal/errors"
	"github.com/shieldgrp/shieldbot/internal/infra"
	"github.com/shieldgrp/shieldbot/internal/observability"
)

const (
	workerCount      = 4
	taskQueueSize    = 256
	enforceFanout    = 8
	enforceAttempts  = 3
	enforceRetryStep = 500 * time.Millisecond
)

// Enforcer performs the actual removal calls against the messenger.
type Enforcer interface {
	BanUser(ctx context.Context, chatID, userID int64) error
	UnbanUser(ctx context.Context, chatID, userID int64) error
}

type Store interface {
	CreateGbanEntry(ctx context.Context, entry *db.GbanEntry) (bool, error)
	DeleteGbanEntry(ctx context.Context, userID int64) error
	GetGbanEntry(ctx context.Context, userID int64) (*db.GbanEntry, error)
	GetGbanEntries(ctx context.Context) ([]*db.GbanEntry, error)
	MarkReconciled(ctx context.Context, userID, chatID int64, at time.Time) error
	GetReconciledChats(ctx context.Context, userID int64) (map[int64]struct{}, error)
	ClearReconciliations(ctx context.Context, userID int64) error
	GetChats(ctx context.Context) ([]*db.ChatMeta, error)
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	LogModerationAction(ctx context.Context, entry *db.ModerationLogEntry) error
}

type task struct {
	userID int64
	unban  bool
}

// Propagator owns the global ban list. The durable entry is the
// authority; per-chat enforcement is eventually consistent, driven by
// background workers that retry with backoff and record which chats
// are already reconciled so restarts and duplicate bans replay
// nothing.
type Propagator struct {
	store    Store
	enforcer Enforcer
	logger   *log.Entry

	tasks chan task

	startStopMutex sync.Mutex
	cancel         context.CancelFunc
	runCtx         context.Context
	wg             sync.WaitGroup
}

func NewPropagator(store Store, enforcer Enforcer) *Propagator {
	return &Propagator{
		store:    store,
		enforcer: enforcer,
		logger:   log.WithField("object", "GbanPropagator"),
		tasks:    make(chan task, taskQueueSize),
	}
}

// Ban records a global ban and schedules enforcement across all
// administered chats. Banning an already banned user is a no-op.
func (p *Propagator) Ban(ctx context.Context, userID, issuedBy int64, reason string) error {
	created, err := p.store.CreateGbanEntry(ctx, &db.GbanEntry{
		UserID:   userID,
		Reason:   reason,
		IssuedBy: issuedBy,
		IssuedAt: time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "create gban entry")
	}
	if !created {
		p.logger.WithField("user_id", userID).Debug("already banned")
		return nil
	}
	p.enqueue(task{userID: userID})
	return nil
}

// Unban removes the ban record and schedules lifting the restriction
// everywhere it was applied.
func (p *Propagator) Unban(ctx context.Context, userID int64) error {
	entry, err := p.store.GetGbanEntry(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "get gban entry")
	}
	if entry == nil {
		return nil
	}
	if err := p.store.DeleteGbanEntry(ctx, userID); err != nil {
		return errors.Wrap(err, "delete gban entry")
	}
	p.enqueue(task{userID: userID, unban: true})
	return nil
}

// IsBanned answers whether a user currently has an active entry.
func (p *Propagator) IsBanned(ctx context.Context, userID int64) (bool, error) {
	entry, err := p.store.GetGbanEntry(ctx, userID)
	if err != nil {
		return false, errors.Wrap(err, "get gban entry")
	}
	return entry != nil, nil
}

func (p *Propagator) enqueue(t task) {
	select {
	case p.tasks <- t:
	default:
		// Queue pressure is survivable: Recover picks up anything the
		// queue dropped on the next start, and sweeps re-enqueue.
		p.logger.WithField("user_id", t.userID).Warn("enforcement queue full, deferring to recovery")
	}
}

// Start launches the enforcement workers and replays outstanding work
// from the durable ban list.
func (p *Propagator) Start(ctx context.Context) error {
	p.startStopMutex.Lock()
	defer p.startStopMutex.Unlock()
	if p.cancel != nil {
		return nil
	}
	p.runCtx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			infra.GoRecoverable(-1, "gban_worker", func() {
				p.workLoop(p.runCtx)
			})
		}()
	}
	return p.Recover(p.runCtx)
}

func (p *Propagator) Stop(_ context.Context) error {
	p.startStopMutex.Lock()
	defer p.startStopMutex.Unlock()
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.cancel = nil
	p.wg.Wait()
	return nil
}

// Recover re-enqueues every active ban. Chats already reconciled are
// skipped inside the task, so replay after a restart does no duplicate
// work.
func (p *Propagator) Recover(ctx context.Context) error {
	entries, err := p.store.GetGbanEntries(ctx)
	if err != nil {
		return errors.Wrap(err, "list gban entries")
	}
	for _, entry := range entries {
		p.enqueue(task{userID: entry.UserID})
	}
	if len(entries) > 0 {
		p.logger.WithField("count", len(entries)).Info("recovered outstanding ban enforcement")
	}
	return nil
}

func (p *Propagator) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			if t.unban {
				p.liftEverywhere(ctx, t.userID)
			} else {
				p.enforceEverywhere(ctx, t.userID)
			}
		}
	}
}

func (p *Propagator) enforceEverywhere(ctx context.Context, userID int64) {
	entry, err := p.store.GetGbanEntry(ctx, userID)
	if err != nil {
		p.logger.WithField("error", err.Error()).Error("cant load gban entry")
		return
	}
	if entry == nil {
		// Unbanned while the task sat in the queue.
		return
	}

	chats, err := p.store.GetChats(ctx)
	if err != nil {
		p.logger.WithField("error", err.Error()).Error("cant list chats")
		return
	}
	done, err := p.store.GetReconciledChats(ctx, userID)
	if err != nil {
		p.logger.WithField("error", err.Error()).Error("cant load reconciliations")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enforceFanout)
	for _, chat := range chats {
		if _, ok := done[chat.ID]; ok {
			continue
		}
		chatID := chat.ID
		g.Go(func() error {
			// Only chats holding the user need an API call; anywhere
			// else the join-time ban check catches them on arrival.
			member, err := p.store.IsMember(gctx, chatID, userID)
			if err != nil {
				p.logger.WithField("error", err.Error()).Warn("cant check membership, enforcing anyway")
			} else if !member {
				return nil
			}
			p.enforceOne(gctx, chatID, userID)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Propagator) enforceOne(ctx context.Context, chatID, userID int64) {
	err := p.withRetry(ctx, func() error {
		return p.enforcer.BanUser(ctx, chatID, userID)
	})
	if err != nil {
		p.escalate(ctx, chatID, userID, err)
		return
	}
	observability.RecordGbanEnforcement("reconciled")
	if err := p.store.MarkReconciled(ctx, userID, chatID, time.Now()); err != nil {
		p.logger.WithField("error", err.Error()).Error("cant mark reconciled")
	}
}

func (p *Propagator) liftEverywhere(ctx context.Context, userID int64) {
	done, err := p.store.GetReconciledChats(ctx, userID)
	if err != nil {
		p.logger.WithField("error", err.Error()).Error("cant load reconciliations")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enforceFanout)
	for chatID := range done {
		chatID := chatID
		g.Go(func() error {
			if err := p.withRetry(gctx, func() error {
				return p.enforcer.UnbanUser(gctx, chatID, userID)
			}); err != nil {
				p.escalate(gctx, chatID, userID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := p.store.ClearReconciliations(ctx, userID); err != nil {
		p.logger.WithField("error", err.Error()).Error("cant clear reconciliations")
	}
}

func (p *Propagator) withRetry(ctx context.Context, f func() error) error {
	var lastErr error
	for attempt := 0; attempt < enforceAttempts; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		if !sberrors.IsTransient(err) {
			// Missing privileges and the like do not heal with time.
			return err
		}
		lastErr = err
		if attempt == enforceAttempts-1 {
			break
		}
		backoff := enforceRetryStep << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return &sberrors.TransientEnforcementError{Attempt: enforceAttempts, Err: lastErr}
}

// escalate records a persistently failing enforcement call so it
// surfaces in the audit trail instead of vanishing into logs.
func (p *Propagator) escalate(ctx context.Context, chatID, userID int64, err error) {
	observability.RecordGbanEnforcement("failed")
	p.logger.WithFields(log.Fields{
		"chat_id": chatID,
		"user_id": userID,
		"error":   err.Error(),
	}).Error("enforcement failed after retries")
	logErr := p.store.LogModerationAction(ctx, &db.ModerationLogEntry{
		ChatID:    chatID,
		UserID:    userID,
		Action:    "enforcement_failed",
		Reason:    err.Error(),
		CreatedAt: time.Now(),
	})
	if logErr != nil {
		p.logger.WithField("error", logErr.Error()).Error("cant write audit entry")
	}
}
