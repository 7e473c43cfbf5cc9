package flood

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/config"
)

const shardCount = 64

// Detector counts events per (chat, user) over a sliding window. It
// keeps windows in sharded maps so hot chats don't serialize on one
// lock, evicts lazily on access, and sweeps idle windows on a timer.
type Detector struct {
	window    time.Duration
	maxEvents int
	shards    [shardCount]*shard
	logger    *log.Entry

	startStopMutex sync.Mutex
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

type shard struct {
	mutex   sync.Mutex
	windows map[windowKey][]time.Time
}

type windowKey struct {
	chatID int64
	userID int64
}

func NewDetector(cfg *config.Protection) *Detector {
	d := &Detector{
		window:    time.Duration(cfg.FloodWindowSeconds) * time.Second,
		maxEvents: cfg.FloodMaxEvents,
		logger:    log.WithField("object", "FloodDetector"),
	}
	for i := range d.shards {
		d.shards[i] = &shard{windows: map[windowKey][]time.Time{}}
	}
	return d
}

// RecordAndCheck adds one event and reports whether the window now
// exceeds the limit. Events arriving slightly out of order still land
// in the window; anything older than the window start is dropped.
func (d *Detector) RecordAndCheck(chatID, userID int64, ts time.Time) bool {
	key := windowKey{chatID: chatID, userID: userID}
	sh := d.shardFor(key)
	cutoff := ts.Add(-d.window)

	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	events := sh.windows[key]
	kept := events[:0]
	newest := ts
	for _, event := range events {
		if event.After(newest) {
			newest = event
		}
		if event.After(cutoff) {
			kept = append(kept, event)
		}
	}
	// A stale timestamp behind an already-seen newer one still counts
	// as long as it fits the window anchored at the newest event.
	if !ts.After(newest.Add(-d.window)) {
		sh.windows[key] = kept
		return len(kept) > d.maxEvents
	}
	kept = append(kept, ts)
	sh.windows[key] = kept
	return len(kept) > d.maxEvents
}

// DropChat forgets all windows for a chat.
func (d *Detector) DropChat(chatID int64) {
	for _, sh := range d.shards {
		sh.mutex.Lock()
		for key := range sh.windows {
			if key.chatID == chatID {
				delete(sh.windows, key)
			}
		}
		sh.mutex.Unlock()
	}
}

// Start launches the idle-window sweeper.
func (d *Detector) Start(ctx context.Context) error {
	d.startStopMutex.Lock()
	defer d.startStopMutex.Unlock()
	if d.cancel != nil {
		return nil
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.sweepLoop(ctx)
	return nil
}

func (d *Detector) Stop(_ context.Context) error {
	d.startStopMutex.Lock()
	defer d.startStopMutex.Unlock()
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	d.cancel = nil
	d.wg.Wait()
	return nil
}

func (d *Detector) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

func (d *Detector) sweep(now time.Time) {
	cutoff := now.Add(-d.window)
	var dropped int
	for _, sh := range d.shards {
		sh.mutex.Lock()
		for key, events := range sh.windows {
			live := false
			for _, event := range events {
				if event.After(cutoff) {
					live = true
					break
				}
			}
			if !live {
				delete(sh.windows, key)
				dropped++
			}
		}
		sh.mutex.Unlock()
	}
	if dropped > 0 {
		d.logger.WithField("windows", dropped).Trace("swept idle flood windows")
	}
}

func (d *Detector) shardFor(key windowKey) *shard {
	h := uint64(key.chatID)*0x9e3779b97f4a7c15 + uint64(key.userID)
	return d.shards[h%shardCount]
}
