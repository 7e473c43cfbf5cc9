package db

import (
	"context"
	"time"
)

type Client interface {
	Close() error

	UpsertChat(ctx context.Context, chat *ChatMeta) error
	GetChats(ctx context.Context) ([]*ChatMeta, error)
	DeleteChat(ctx context.Context, chatID int64) error
	InsertMember(ctx context.Context, chatID, userID int64) error
	DeleteMember(ctx context.Context, chatID, userID int64) error
	GetMembers(ctx context.Context, chatID int64) ([]int64, error)
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)

	CreateGbanEntry(ctx context.Context, entry *GbanEntry) (bool, error)
	DeleteGbanEntry(ctx context.Context, userID int64) error
	GetGbanEntry(ctx context.Context, userID int64) (*GbanEntry, error)
	GetGbanEntries(ctx context.Context) ([]*GbanEntry, error)
	MarkReconciled(ctx context.Context, userID, chatID int64, at time.Time) error
	GetReconciledChats(ctx context.Context, userID int64) (map[int64]struct{}, error)
	ClearReconciliations(ctx context.Context, userID int64) error

	SetRole(ctx context.Context, assignment *RoleAssignment) error
	RemoveRole(ctx context.Context, chatID, userID int64) error
	GetRole(ctx context.Context, chatID, userID int64) (string, error)

	CreateChallenge(ctx context.Context, challenge *Challenge) (*Challenge, error)
	GetChallenge(ctx context.Context, chatID, userID int64) (*Challenge, error)
	UpdateChallenge(ctx context.Context, challenge *Challenge) error
	DeleteChallenge(ctx context.Context, chatID, userID int64) error
	GetExpiredChallenges(ctx context.Context, now time.Time) ([]*Challenge, error)

	IncrementWarning(ctx context.Context, chatID, userID int64, at time.Time) (int, error)
	ResetWarnings(ctx context.Context, chatID, userID int64) error

	LogModerationAction(ctx context.Context, entry *ModerationLogEntry) error
}
