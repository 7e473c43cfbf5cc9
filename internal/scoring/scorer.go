package scoring

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/config"
	"github.com/shieldgrp/shieldbot/internal/infra"
	"github.com/shieldgrp/shieldbot/internal/rules"
)

// Tier is the sanction level a score maps to, ordered by harshness.
type Tier int

const (
	TierNone Tier = iota
	TierWarn
	TierDelete
	TierMute
	TierBan
)

func (t Tier) String() string {
	switch t {
	case TierWarn:
		return "warn"
	case TierDelete:
		return "delete"
	case TierMute:
		return "mute"
	case TierBan:
		return "ban"
	default:
		return "none"
	}
}

type Message struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
	LangHint string
	SentAt   time.Time
}

type Result struct {
	Score      float64
	Tier       Tier
	Categories []string
	// Signals names every contributor for the audit trail.
	Signals []string
}

const (
	capsMinLetters = 12
	capsThreshold  = 0.7
)

var (
	linkRE = regexp.MustCompile(`(?i)(https?://\S+|\bt\.me/\S+|\bwww\.\S+\.\S+)`)
	// throwaway handles: a short letter run followed by a long digit tail
	disposableHandleRE = regexp.MustCompile(`^[a-z]{1,8}\d{5,}$`)
)

var disposableMailDomains = []string{
	"mailinator.com",
	"guerrillamail.com",
	"10minutemail.com",
	"tempmail.com",
	"sharklasers.com",
}

// Scorer turns a message into a weighted score and a single tier. It
// is deterministic for a given message and duplicate history; time
// only enters through Message.SentAt.
type Scorer struct {
	cfg     *config.Protection
	matcher *rules.Matcher
	logger  *log.Entry

	mutex  sync.Mutex
	recent map[dupKey][]time.Time

	startStopMutex sync.Mutex
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

type dupKey struct {
	chatID int64
	userID int64
	hash   uint64
}

func NewScorer(cfg *config.Protection, matcher *rules.Matcher) *Scorer {
	return &Scorer{
		cfg:     cfg,
		matcher: matcher,
		logger:  log.WithField("object", "Scorer"),
		recent:  map[dupKey][]time.Time{},
	}
}

func (s *Scorer) Score(msg Message) Result {
	res := Result{}
	if strings.TrimSpace(msg.Text) == "" && msg.Username == "" {
		return res
	}

	for _, match := range s.matcher.Classify(msg.Text, msg.LangHint) {
		weight, ok := s.cfg.CategoryWeights[match.Category]
		if !ok {
			weight = 1
		}
		contribution := float64(match.Severity) * weight
		res.Score += contribution
		res.Categories = append(res.Categories, match.Category)
		res.Signals = append(res.Signals, fmt.Sprintf("pattern:%s(+%.1f)", match.Category, contribution))
	}

	if n := len(linkRE.FindAllString(msg.Text, -1)); n > 0 {
		contribution := float64(n) * s.cfg.LinkWeight
		res.Score += contribution
		res.Signals = append(res.Signals, fmt.Sprintf("links:%d(+%.1f)", n, contribution))
	}

	if ratio, letters := capsRatio(msg.Text); letters >= capsMinLetters && ratio > capsThreshold {
		res.Score += s.cfg.CapsWeight
		res.Signals = append(res.Signals, fmt.Sprintf("caps:%.0f%%(+%.1f)", ratio*100, s.cfg.CapsWeight))
	}

	if count := s.observeDuplicate(msg); count >= s.cfg.DupMax {
		res.Score += s.cfg.DupWeight
		res.Signals = append(res.Signals, fmt.Sprintf("duplicate:x%d(+%.1f)", count, s.cfg.DupWeight))
	}

	if disposable(msg.Username, msg.Text) {
		res.Score += s.cfg.DisposableWeight
		res.Signals = append(res.Signals, fmt.Sprintf("disposable(+%.1f)", s.cfg.DisposableWeight))
	}

	res.Tier = s.tierFor(res.Score)
	return res
}

func (s *Scorer) tierFor(score float64) Tier {
	switch {
	case score >= s.cfg.TierBan:
		return TierBan
	case score >= s.cfg.TierMute:
		return TierMute
	case score >= s.cfg.TierDelete:
		return TierDelete
	case score >= s.cfg.TierWarn:
		return TierWarn
	default:
		return TierNone
	}
}

// observeDuplicate records the message and returns how many times the
// same user posted the same normalized text within the lookback,
// including this one. Stale entries are evicted on the way.
func (s *Scorer) observeDuplicate(msg Message) int {
	text := rules.Normalize(msg.Text)
	if text == "" {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := dupKey{chatID: msg.ChatID, userID: msg.UserID, hash: h.Sum64()}
	cutoff := msg.SentAt.Add(-s.cfg.DupLookback)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	kept := s.recent[key][:0]
	for _, ts := range s.recent[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, msg.SentAt)
	s.recent[key] = kept
	return len(kept)
}

// Start launches the duplicate-history sweeper. Without it, a key
// touched once would sit in memory until the chat is dropped.
func (s *Scorer) Start(ctx context.Context) error {
	s.startStopMutex.Lock()
	defer s.startStopMutex.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		infra.GoRecoverable(-1, "scorer_sweeper", func() {
			s.sweepLoop(ctx)
		})
	}()
	return nil
}

func (s *Scorer) Stop(_ context.Context) error {
	s.startStopMutex.Lock()
	defer s.startStopMutex.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
	return nil
}

func (s *Scorer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DupLookback)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep drops keys whose newest observation fell out of the lookback.
func (s *Scorer) sweep(now time.Time) {
	cutoff := now.Add(-s.cfg.DupLookback)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for key, stamps := range s.recent {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(s.recent, key)
		}
	}
}

// DropChat forgets duplicate history for a chat, e.g. after the bot
// leaves it.
func (s *Scorer) DropChat(chatID int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for key := range s.recent {
		if key.chatID == chatID {
			delete(s.recent, key)
		}
	}
}

func capsRatio(text string) (float64, int) {
	var upper, letters int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters == 0 {
		return 0, 0
	}
	return float64(upper) / float64(letters), letters
}

func disposable(username, text string) bool {
	if disposableHandleRE.MatchString(strings.ToLower(username)) {
		return true
	}
	lowered := strings.ToLower(text)
	for _, domain := range disposableMailDomains {
		if strings.Contains(lowered, "@"+domain) {
			return true
		}
	}
	return false
}
