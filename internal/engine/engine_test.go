package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shieldgrp/shieldbot/internal/captcha"
	"github.com/shieldgrp/shieldbot/internal/config"
	"github.com/shieldgrp/shieldbot/internal/db"
	"github.com/shieldgrp/shieldbot/internal/event"
	"github.com/shieldgrp/shieldbot/internal/flood"
	"github.com/shieldgrp/shieldbot/internal/roles"
	"github.com/shieldgrp/shieldbot/internal/rules"
	"github.com/shieldgrp/shieldbot/internal/scoring"
)

type fixture struct {
	engine *Engine
	roles  *fakeRoleStore
	admins fakeAdmins
	bans   *fakeBanList
	store  *fakeStore
	sink   *fakeSink
}

// fakeBanList mirrors entries into the role store so Resolve sees a
// command-issued ban immediately, like the real propagator's store.
type fakeBanList struct {
	mutex     sync.Mutex
	roleStore *fakeRoleStore
	reasons   map[int64]string
	unbans    []int64
}

func (b *fakeBanList) Ban(_ context.Context, userID, issuedBy int64, reason string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.reasons[userID] = reason
	b.roleStore.gbans[userID] = &db.GbanEntry{UserID: userID, Reason: reason, IssuedBy: issuedBy, IssuedAt: time.Now()}
	return nil
}

func (b *fakeBanList) Unban(_ context.Context, userID int64) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.reasons, userID)
	delete(b.roleStore.gbans, userID)
	b.unbans = append(b.unbans, userID)
	return nil
}

type fakeRoleStore struct {
	roles map[[2]int64]string
	gbans map[int64]*db.GbanEntry
}

func (s *fakeRoleStore) GetRole(_ context.Context, chatID, userID int64) (string, error) {
	return s.roles[[2]int64{chatID, userID}], nil
}

func (s *fakeRoleStore) SetRole(_ context.Context, a *db.RoleAssignment) error {
	s.roles[[2]int64{a.ChatID, a.UserID}] = a.Role
	return nil
}

func (s *fakeRoleStore) RemoveRole(_ context.Context, chatID, userID int64) error {
	delete(s.roles, [2]int64{chatID, userID})
	return nil
}

func (s *fakeRoleStore) GetGbanEntry(_ context.Context, userID int64) (*db.GbanEntry, error) {
	return s.gbans[userID], nil
}

type fakeAdmins map[[2]int64]bool

func (f fakeAdmins) IsAdmin(_ context.Context, chatID, userID int64) (bool, error) {
	return f[[2]int64{chatID, userID}], nil
}

type fakeStore struct {
	mutex    sync.Mutex
	warnings map[[2]int64]int
	audit    []*db.ModerationLogEntry
	members  map[[2]int64]bool
}

func (s *fakeStore) IncrementWarning(_ context.Context, chatID, userID int64, _ time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.warnings[[2]int64{chatID, userID}]++
	return s.warnings[[2]int64{chatID, userID}], nil
}

func (s *fakeStore) ResetWarnings(_ context.Context, chatID, userID int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.warnings, [2]int64{chatID, userID})
	return nil
}

func (s *fakeStore) LogModerationAction(_ context.Context, entry *db.ModerationLogEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *fakeStore) InsertMember(_ context.Context, chatID, userID int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.members[[2]int64{chatID, userID}] = true
	return nil
}

func (s *fakeStore) DeleteMember(_ context.Context, chatID, userID int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.members, [2]int64{chatID, userID})
	return nil
}

type fakeSink struct {
	mutex      sync.Mutex
	deleted    [][2]int64 // chatID, messageID
	warned     [][2]int64
	restricted [][2]int64
	lifted     [][2]int64
	banned     [][2]int64
	challenges []*db.Challenge
}

func (s *fakeSink) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.deleted = append(s.deleted, [2]int64{chatID, int64(messageID)})
	return nil
}

func (s *fakeSink) WarnUser(_ context.Context, chatID, userID int64, _, _ int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.warned = append(s.warned, [2]int64{chatID, userID})
	return nil
}

func (s *fakeSink) RestrictUser(_ context.Context, chatID, userID int64, _ time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.restricted = append(s.restricted, [2]int64{chatID, userID})
	return nil
}

func (s *fakeSink) UnrestrictUser(_ context.Context, chatID, userID int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lifted = append(s.lifted, [2]int64{chatID, userID})
	return nil
}

func (s *fakeSink) BanUser(_ context.Context, chatID, userID int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.banned = append(s.banned, [2]int64{chatID, userID})
	return nil
}

func (s *fakeSink) PresentChallenge(_ context.Context, ch *db.Challenge) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.challenges = append(s.challenges, ch)
	return nil
}

type fakeChallengeStore struct {
	challenges map[[2]int64]*db.Challenge
}

func (s *fakeChallengeStore) CreateChallenge(_ context.Context, ch *db.Challenge) (*db.Challenge, error) {
	cp := *ch
	s.challenges[[2]int64{ch.ChatID, ch.UserID}] = &cp
	return &cp, nil
}

func (s *fakeChallengeStore) GetChallenge(_ context.Context, chatID, userID int64) (*db.Challenge, error) {
	ch, ok := s.challenges[[2]int64{chatID, userID}]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (s *fakeChallengeStore) UpdateChallenge(_ context.Context, ch *db.Challenge) error {
	cp := *ch
	s.challenges[[2]int64{ch.ChatID, ch.UserID}] = &cp
	return nil
}

func (s *fakeChallengeStore) DeleteChallenge(_ context.Context, chatID, userID int64) error {
	delete(s.challenges, [2]int64{chatID, userID})
	return nil
}

func (s *fakeChallengeStore) GetExpiredChallenges(_ context.Context, now time.Time) ([]*db.Challenge, error) {
	var out []*db.Challenge
	for _, ch := range s.challenges {
		if ch.State == db.ChallengePending && !ch.ExpiresAt.After(now) {
			cp := *ch
			out = append(out, &cp)
		}
	}
	return out, nil
}

const testRulePack = `
categories:
  - name: scam
    severity: 7
    patterns:
      - '(free|win|prize)\W{0,30}(money|bitcoin|crypto|cash)'
  - name: mild
    severity: 10
    keywords: ["mildword"]
`

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Protection{
		FloodWindowSeconds:   60,
		FloodMaxEvents:       5,
		TierWarn:             10,
		TierDelete:           25,
		TierMute:             50,
		TierBan:              80,
		LinkWeight:           8,
		CapsWeight:           15,
		DupWeight:            20,
		DisposableWeight:     12,
		CategoryWeights:      map[string]float64{},
		DupLookback:          10 * time.Minute,
		DupMax:               3,
		WarnLimit:            3,
		TrustedOverridesMute: true,
	}

	matcher := rules.NewMatcher()
	if _, err := matcher.LoadBytes([]byte(testRulePack)); err != nil {
		t.Fatalf("load rules: %v", err)
	}

	roleStore := &fakeRoleStore{roles: map[[2]int64]string{}, gbans: map[int64]*db.GbanEntry{}}
	admins := fakeAdmins{}
	resolver := roles.NewResolver(roleStore, admins, []int64{1000}, true)

	coordinator := captcha.NewCoordinator(
		&config.Captcha{Kind: captcha.KindButton, TimeoutSeconds: 300, MaxRetries: 3, SweepInterval: time.Minute},
		&fakeChallengeStore{challenges: map[[2]int64]*db.Challenge{}},
		nil, nil,
	)

	store := &fakeStore{warnings: map[[2]int64]int{}, members: map[[2]int64]bool{}}
	sink := &fakeSink{}
	bans := &fakeBanList{roleStore: roleStore, reasons: map[int64]string{}}

	eng := New(cfg, resolver, scoring.NewScorer(cfg, matcher), flood.NewDetector(cfg), coordinator, bans, store, sink)
	coordinator.OnExpired(eng.OnChallengeExpired)

	return &fixture{engine: eng, roles: roleStore, admins: admins, bans: bans, store: store, sink: sink}
}

func msgEvent(id string, chatID, userID int64, text string) *event.Event {
	return &event.Event{
		ID:        id,
		Kind:      event.KindMessage,
		ChatID:    chatID,
		UserID:    userID,
		Text:      text,
		MessageID: 42,
		At:        time.Now(),
	}
}

func TestSpamFromMemberIsDeleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ev := msgEvent("e1", 1, 2, "FREE MONEY http://x http://y http://z")
	decision, err := f.engine.Decide(ctx, ev)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionDelete {
		t.Fatalf("expected delete, got %v (score %.1f, %v)", decision.Action, decision.Score, decision.Signals)
	}
	if decision.Flood {
		t.Fatal("a single message must not read as flood")
	}

	f.engine.HandleMessage(ctx, ev)
	if len(f.sink.deleted) == 0 {
		t.Fatal("the message should have been deleted")
	}
	if len(f.store.audit) == 0 {
		t.Fatal("enforcement must leave an audit entry")
	}
}

func TestOwnerShortCircuit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	decision, err := f.engine.Decide(context.Background(), msgEvent("e1", 1, 1000, "FREE MONEY http://x http://y http://z"))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionAllow {
		t.Fatalf("owner must be allowed, got %v", decision.Action)
	}
	if decision.Score != 0 {
		t.Fatal("privileged messages must not be scored")
	}
}

func TestBannedUserIsRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.roles.gbans[2] = &db.GbanEntry{UserID: 2, IssuedAt: time.Now()}

	decision, err := f.engine.Decide(context.Background(), msgEvent("e1", 1, 2, "hello"))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionRemove {
		t.Fatalf("banned user must be removed, got %v", decision.Action)
	}
}

func TestMutedUserMessagesAreDeleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.roles.roles[[2]int64{1, 2}] = string(roles.RoleMuted)

	decision, err := f.engine.Decide(context.Background(), msgEvent("e1", 1, 2, "hello"))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionDelete {
		t.Fatalf("muted user messages should be deleted, got %v", decision.Action)
	}
}

func TestMutedUserViolationsEscalate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.roles.roles[[2]int64{1, 2}] = string(roles.RoleMuted)
	base := time.Now()

	var decision Decision
	var err error
	for i := 0; i < 6; i++ {
		ev := msgEvent(fmt.Sprintf("m%d", i), 1, 2, "hello")
		ev.At = base.Add(time.Duration(i) * time.Second)
		decision, err = f.engine.Decide(ctx, ev)
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
	}
	// The mute floors the outcome at a delete; it must not cap a
	// harsher verdict the filters would have produced.
	if decision.Action != ActionRestrict {
		t.Fatalf("flooding while muted should restrict, got %v", decision.Action)
	}
	if !decision.Flood {
		t.Fatalf("flood signal lost: %+v", decision)
	}
}

func TestFloodAloneRestricts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()

	var decision Decision
	var err error
	for i := 0; i < 6; i++ {
		ev := msgEvent(fmt.Sprintf("e%d", i), 1, 2, fmt.Sprintf("harmless chatter %d", i))
		ev.At = base.Add(time.Duration(i) * time.Second)
		decision, err = f.engine.Decide(ctx, ev)
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
	}
	if decision.Action != ActionRestrict {
		t.Fatalf("flood alone should restrict, got %v", decision.Action)
	}
	if !decision.Flood || decision.Score != 0 {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestChatGonePurgesHotState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		ev := msgEvent(fmt.Sprintf("e%d", i), 1, 2, fmt.Sprintf("harmless chatter %d", i))
		ev.At = base.Add(time.Duration(i) * time.Second)
		if _, err := f.engine.Decide(ctx, ev); err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
	}

	f.engine.HandleChatGone(ctx, &event.Event{Kind: event.KindChatGone, ChatID: 1, At: base})

	// The window restarted: the next message is the first, not the sixth.
	ev := msgEvent("e5", 1, 2, "harmless chatter 5")
	ev.At = base.Add(5 * time.Second)
	decision, err := f.engine.Decide(ctx, ev)
	if err != nil {
		t.Fatalf("decide after purge: %v", err)
	}
	if decision.Action != ActionAllow || decision.Flood {
		t.Fatalf("purged chat should start clean, got %+v", decision)
	}
}

func TestWarnEscalatesToBanAtLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()

	texts := []string{"mildword alpha", "mildword beta", "mildword gamma"}
	for i, text := range texts {
		ev := msgEvent(fmt.Sprintf("w%d", i), 1, 2, text)
		ev.At = base.Add(time.Duration(i) * time.Minute)
		f.engine.HandleMessage(ctx, ev)
	}

	if len(f.sink.warned) != 2 {
		t.Fatalf("expected 2 warnings before the ban, got %d", len(f.sink.warned))
	}
	if len(f.sink.banned) != 1 {
		t.Fatalf("third warning should ban, got %d bans", len(f.sink.banned))
	}
	if f.store.warnings[[2]int64{1, 2}] != 0 {
		t.Fatal("warnings must reset after the escalation ban")
	}
}

func TestMergeIsTotalAndDeterministic(t *testing.T) {
	t.Parallel()
	cases := []struct {
		tier    scoring.Tier
		flooded bool
		want    Action
	}{
		{scoring.TierNone, false, ActionAllow},
		{scoring.TierNone, true, ActionRestrict},
		{scoring.TierWarn, false, ActionWarn},
		{scoring.TierWarn, true, ActionRestrict},
		{scoring.TierDelete, false, ActionDelete},
		{scoring.TierDelete, true, ActionRestrict},
		{scoring.TierMute, false, ActionRestrict},
		{scoring.TierMute, true, ActionRestrict},
		{scoring.TierBan, false, ActionBan},
		{scoring.TierBan, true, ActionBan},
	}
	for _, c := range cases {
		if got := merge(c.tier, c.flooded); got != c.want {
			t.Fatalf("merge(%v, %v) = %v, want %v", c.tier, c.flooded, got, c.want)
		}
	}
}

func TestJoinIssuesChallengeAndRestricts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, &event.Event{ID: "j1", Kind: event.KindJoin, ChatID: 1, UserID: 2, At: time.Now()})

	if len(f.sink.restricted) != 1 {
		t.Fatalf("joiner should be restricted, got %d", len(f.sink.restricted))
	}
	if len(f.sink.challenges) != 1 {
		t.Fatalf("joiner should be challenged, got %d", len(f.sink.challenges))
	}
}

func TestAdminJoinSkipsChallenge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.admins[[2]int64{1, 2}] = true

	f.engine.HandleJoin(context.Background(), &event.Event{ID: "j1", Kind: event.KindJoin, ChatID: 1, UserID: 2, At: time.Now()})
	if len(f.sink.challenges) != 0 || len(f.sink.restricted) != 0 {
		t.Fatal("admins must not be challenged")
	}
}

func TestBannedJoinerIsRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.roles.gbans[2] = &db.GbanEntry{UserID: 2, IssuedAt: time.Now()}

	f.engine.HandleJoin(context.Background(), &event.Event{ID: "j1", Kind: event.KindJoin, ChatID: 1, UserID: 2, At: time.Now()})
	if len(f.sink.banned) != 1 {
		t.Fatal("a banned joiner must be removed on sight")
	}
	if len(f.sink.challenges) != 0 {
		t.Fatal("a banned joiner must not be challenged")
	}
}

func TestCallbackVerifiesMember(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, &event.Event{ID: "j1", Kind: event.KindJoin, ChatID: 1, UserID: 2, At: time.Now()})
	challenge := f.sink.challenges[0]

	f.engine.HandleCallback(ctx, &event.Event{
		ID: "c1", Kind: event.KindCallback, ChatID: 1, UserID: 2,
		Token: challenge.SuccessUUID, At: time.Now(),
	})
	if len(f.sink.lifted) != 1 {
		t.Fatal("a correct answer must lift the restriction")
	}
	if !f.store.members[[2]int64{1, 2}] {
		t.Fatal("a verified member must land on the roster")
	}

	// A verified member's next message goes through scoring, not the
	// challenge path.
	decision, err := f.engine.Decide(ctx, msgEvent("m1", 1, 2, "hello all"))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionAllow {
		t.Fatalf("verified member chatting should be allowed, got %v", decision.Action)
	}
}

func TestWrongCallbacksExhaustRetriesAndBan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, &event.Event{ID: "j1", Kind: event.KindJoin, ChatID: 1, UserID: 2, At: time.Now()})
	for i := 0; i < 3; i++ {
		f.engine.HandleCallback(ctx, &event.Event{
			ID: fmt.Sprintf("c%d", i), Kind: event.KindCallback, ChatID: 1, UserID: 2,
			Token: "wrong", At: time.Now(),
		})
	}
	if len(f.sink.banned) != 1 {
		t.Fatalf("exhausted retries must remove the member, got %d bans", len(f.sink.banned))
	}
}

func TestChallengeAnswerConsumesMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, &event.Event{ID: "j1", Kind: event.KindJoin, ChatID: 1, UserID: 2, At: time.Now()})
	// Button challenge pending: chatter is swallowed, not scored.
	f.engine.HandleMessage(ctx, msgEvent("m1", 1, 2, "FREE MONEY http://x http://y http://z"))
	if len(f.sink.deleted) != 0 {
		t.Fatal("a pending user's message must not reach the scorer")
	}
}

func TestChallengeExpiryRemovesMember(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.engine.OnChallengeExpired(ctx, &db.Challenge{ChatID: 1, UserID: 2, State: db.ChallengeExpired})
	if len(f.sink.banned) != 1 {
		t.Fatal("an expired challenge must remove the member")
	}
}
