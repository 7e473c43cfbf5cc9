package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shieldgrp/shieldbot/internal/db"
)

func newTestClient(t *testing.T) *sqliteClient {
	t.Helper()
	ctx := context.Background()
	client, err := NewSQLiteClient(ctx, t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestChatRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)

	if err := client.UpsertChat(ctx, &db.ChatMeta{ID: -100111, Title: "group", Language: "en", Enabled: true}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	// Upsert with a new title replaces, not duplicates.
	if err := client.UpsertChat(ctx, &db.ChatMeta{ID: -100111, Title: "renamed", Language: "en", Enabled: true}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	chats, err := client.GetChats(ctx)
	if err != nil {
		t.Fatalf("get chats: %v", err)
	}
	if len(chats) != 1 || chats[0].Title != "renamed" {
		t.Fatalf("unexpected chats: %#v", chats)
	}

	if err := client.DeleteChat(ctx, -100111); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	chats, err = client.GetChats(ctx)
	if err != nil {
		t.Fatalf("get chats after delete: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("expected no chats, got %d", len(chats))
	}
}

func TestGbanEntryIdempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)

	created, err := client.CreateGbanEntry(ctx, &db.GbanEntry{UserID: 7, Reason: "spam", IssuedBy: 1, IssuedAt: time.Now()})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if !created {
		t.Fatal("first insert should report created")
	}

	created, err = client.CreateGbanEntry(ctx, &db.GbanEntry{UserID: 7, Reason: "again", IssuedBy: 2, IssuedAt: time.Now()})
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if created {
		t.Fatal("duplicate insert must not report created")
	}

	entry, err := client.GetGbanEntry(ctx, 7)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry == nil || entry.Reason != "spam" {
		t.Fatalf("original entry must win, got %#v", entry)
	}

	if err := client.DeleteGbanEntry(ctx, 7); err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	entry, err = client.GetGbanEntry(ctx, 7)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry, got %#v", entry)
	}
}

func TestGbanReconciliations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)
	now := time.Now()

	if err := client.MarkReconciled(ctx, 7, -100111, now); err != nil {
		t.Fatalf("mark reconciled: %v", err)
	}
	if err := client.MarkReconciled(ctx, 7, -100222, now); err != nil {
		t.Fatalf("mark second: %v", err)
	}
	// Re-marking the same chat is an upsert, not a conflict.
	if err := client.MarkReconciled(ctx, 7, -100111, now.Add(time.Minute)); err != nil {
		t.Fatalf("re-mark: %v", err)
	}

	done, err := client.GetReconciledChats(ctx, 7)
	if err != nil {
		t.Fatalf("get reconciled: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("expected 2 reconciled chats, got %d", len(done))
	}

	if err := client.ClearReconciliations(ctx, 7); err != nil {
		t.Fatalf("clear: %v", err)
	}
	done, err = client.GetReconciledChats(ctx, 7)
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if len(done) != 0 {
		t.Fatalf("expected none after clear, got %d", len(done))
	}
}

func TestRoleAssignments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)

	role, err := client.GetRole(ctx, -100111, 7)
	if err != nil {
		t.Fatalf("get missing role: %v", err)
	}
	if role != "" {
		t.Fatalf("expected empty role, got %q", role)
	}

	if err := client.SetRole(ctx, &db.RoleAssignment{ChatID: -100111, UserID: 7, Role: db.RoleTrusted, AssignedBy: 1, AssignedAt: time.Now()}); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := client.SetRole(ctx, &db.RoleAssignment{ChatID: -100111, UserID: 7, Role: db.RoleMuted, AssignedBy: 1, AssignedAt: time.Now()}); err != nil {
		t.Fatalf("replace role: %v", err)
	}

	role, err = client.GetRole(ctx, -100111, 7)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if role != db.RoleMuted {
		t.Fatalf("expected muted, got %q", role)
	}

	if err := client.RemoveRole(ctx, -100111, 7); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	role, _ = client.GetRole(ctx, -100111, 7)
	if role != "" {
		t.Fatalf("expected empty after remove, got %q", role)
	}
}

func TestChallengeLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)
	now := time.Now().UTC()

	challenge := &db.Challenge{
		ChatID:      -100111,
		UserID:      7,
		Kind:        "button",
		Prompt:      "press the button",
		Answer:      "uuid-1",
		SuccessUUID: "uuid-1",
		State:       db.ChallengePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
	if _, err := client.CreateChallenge(ctx, challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	got, err := client.GetChallenge(ctx, -100111, 7)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if got == nil || got.SuccessUUID != "uuid-1" || got.State != db.ChallengePending {
		t.Fatalf("unexpected challenge: %#v", got)
	}

	got.Attempts = 2
	if err := client.UpdateChallenge(ctx, got); err != nil {
		t.Fatalf("update challenge: %v", err)
	}
	got, _ = client.GetChallenge(ctx, -100111, 7)
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}

	expired, err := client.GetExpiredChallenges(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired challenge, got %d", len(expired))
	}
	if expired, _ = client.GetExpiredChallenges(ctx, now.Add(time.Minute)); len(expired) != 0 {
		t.Fatalf("nothing should be expired yet, got %d", len(expired))
	}

	if err := client.DeleteChallenge(ctx, -100111, 7); err != nil {
		t.Fatalf("delete challenge: %v", err)
	}
	got, err = client.GetChallenge(ctx, -100111, 7)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil challenge, got %#v", got)
	}
}

func TestWarningCounter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)
	now := time.Now()

	for want := 1; want <= 3; want++ {
		count, err := client.IncrementWarning(ctx, -100111, 7, now)
		if err != nil {
			t.Fatalf("increment %d: %v", want, err)
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
	}

	// Another pair counts separately.
	count, err := client.IncrementWarning(ctx, -100111, 8, now)
	if err != nil {
		t.Fatalf("increment other user: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected fresh counter, got %d", count)
	}

	if err := client.ResetWarnings(ctx, -100111, 7); err != nil {
		t.Fatalf("reset: %v", err)
	}
	count, err = client.IncrementWarning(ctx, -100111, 7, now)
	if err != nil {
		t.Fatalf("increment after reset: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected counter restart, got %d", count)
	}
}

func TestModerationLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)

	if err := client.LogModerationAction(ctx, &db.ModerationLogEntry{
		ChatID: -100111, UserID: 7, Action: "delete_message", Reason: "links:3", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	if err := client.LogModerationAction(ctx, &db.ModerationLogEntry{
		ChatID: -100111, UserID: 7, Action: "ban_user", Reason: "links:3", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("log second action: %v", err)
	}

	var count int
	if err := client.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM moderation_log WHERE chat_id = ?", -100111); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 audit entries, got %d", count)
	}
}

func TestReopenKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	client, err := NewSQLiteClient(ctx, dir, "test.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := client.CreateGbanEntry(ctx, &db.GbanEntry{UserID: 7, Reason: "spam", IssuedBy: 1, IssuedAt: time.Now()}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	now := time.Now().UTC()
	if _, err := client.CreateChallenge(ctx, &db.Challenge{
		ChatID: -100111, UserID: 8, Kind: "math", Prompt: "2 + 2", Answer: "4",
		SuccessUUID: "uuid-2", State: db.ChallengePending,
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}); err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteClient(ctx, dir, "test.db")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	entry, err := reopened.GetGbanEntry(ctx, 7)
	if err != nil {
		t.Fatalf("get entry after reopen: %v", err)
	}
	if entry == nil || entry.Reason != "spam" {
		t.Fatalf("ban entry lost across reopen: %#v", entry)
	}
	challenge, err := reopened.GetChallenge(ctx, -100111, 8)
	if err != nil {
		t.Fatalf("get challenge after reopen: %v", err)
	}
	if challenge == nil || challenge.SuccessUUID != "uuid-2" || challenge.State != db.ChallengePending {
		t.Fatalf("challenge lost across reopen: %#v", challenge)
	}
}

func TestMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newTestClient(t)

	if err := client.InsertMember(ctx, -100111, 7); err != nil {
		t.Fatalf("insert member: %v", err)
	}
	if err := client.InsertMember(ctx, -100111, 7); err != nil {
		t.Fatalf("duplicate insert member: %v", err)
	}
	if err := client.InsertMember(ctx, -100111, 8); err != nil {
		t.Fatalf("insert second member: %v", err)
	}

	members, err := client.GetMembers(ctx, -100111)
	if err != nil {
		t.Fatalf("get members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	isMember, err := client.IsMember(ctx, -100111, 7)
	if err != nil {
		t.Fatalf("is member: %v", err)
	}
	if !isMember {
		t.Fatal("expected membership")
	}

	if err := client.DeleteMember(ctx, -100111, 7); err != nil {
		t.Fatalf("delete member: %v", err)
	}
	if isMember, _ = client.IsMember(ctx, -100111, 7); isMember {
		t.Fatal("membership should be gone")
	}
}
