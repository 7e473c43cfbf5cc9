package event

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/infra"
)

type Kind string

const (
	KindMessage  Kind = "message"
	KindJoin     Kind = "join"
	KindLeave    Kind = "leave"
	KindCallback Kind = "callback"
	KindVoice    Kind = "voice"
	KindChatGone Kind = "chat_gone"
)

// Event is one normalized inbound occurrence from the messenger feed.
// ID must be unique per occurrence; redelivered updates reuse it and
// get dropped by the pump.
type Event struct {
	ID        string
	Kind      Kind
	ChatID    int64
	UserID    int64
	Username  string
	Text      string
	LangHint  string
	MessageID int
	Token     string
	Audio     []byte
	At        time.Time
}

type Handler func(ctx context.Context, event *Event)

const (
	queueSize     = 4096
	pumpWorkers   = 8
	dedupWindow   = 5 * time.Minute
	dedupSweepLen = 10000
)

// Pump decouples the messenger feed from handling: events are queued,
// deduplicated by id, and dispatched to kind subscribers on a small
// worker pool. A slow handler delays its own worker, not the feed.
type Pump struct {
	queue    chan *Event
	handlers map[Kind][]Handler
	logger   *log.Entry

	dedupMutex sync.Mutex
	seen       map[string]time.Time

	startStopMutex sync.Mutex
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func NewPump() *Pump {
	return &Pump{
		queue:    make(chan *Event, queueSize),
		handlers: map[Kind][]Handler{},
		logger:   log.WithField("object", "EventPump"),
		seen:     map[string]time.Time{},
	}
}

// Subscribe registers a handler for a kind. Not safe to call after
// Start.
func (p *Pump) Subscribe(kind Kind, handler Handler) {
	p.handlers[kind] = append(p.handlers[kind], handler)
}

// Enqueue accepts an event unless it was already seen or the queue is
// saturated. Both cases drop silently apart from logging; moderation
// is best-effort on overload, never backpressure into the feed.
func (p *Pump) Enqueue(event *Event) {
	if p.duplicate(event) {
		p.logger.WithField("event_id", event.ID).Trace("duplicate event")
		return
	}
	select {
	case p.queue <- event:
	default:
		p.logger.WithField("event_id", event.ID).Warn("event queue full, dropping")
	}
}

func (p *Pump) duplicate(event *Event) bool {
	if event.ID == "" {
		return false
	}
	now := time.Now()

	p.dedupMutex.Lock()
	defer p.dedupMutex.Unlock()
	if at, ok := p.seen[event.ID]; ok && now.Sub(at) < dedupWindow {
		return true
	}
	if len(p.seen) >= dedupSweepLen {
		for id, at := range p.seen {
			if now.Sub(at) >= dedupWindow {
				delete(p.seen, id)
			}
		}
	}
	p.seen[event.ID] = now
	return false
}

func (p *Pump) Start(ctx context.Context) error {
	p.startStopMutex.Lock()
	defer p.startStopMutex.Unlock()
	if p.cancel != nil {
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < pumpWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			infra.GoRecoverable(-1, "event_pump", func() {
				p.workLoop(ctx)
			})
		}()
	}
	return nil
}

func (p *Pump) Stop(_ context.Context) error {
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

func (p *Pump) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.queue:
			for _, handler := range p.handlers[event.Kind] {
				handler(ctx, event)
			}
		}
	}
}
