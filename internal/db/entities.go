package db

import "time"

type (
	ChatMeta struct {
		ID       int64  `db:"id"`
		Title    string `db:"title"`
		Language string `db:"language"`
		Enabled  bool   `db:"enabled"`
	}

	// GbanEntry is the authoritative global-ban record. At most one
	// active entry exists per user id.
	GbanEntry struct {
		UserID   int64     `db:"user_id"`
		Reason   string    `db:"reason"`
		IssuedBy int64     `db:"issued_by"`
		IssuedAt time.Time `db:"issued_at"`
	}

	RoleAssignment struct {
		ChatID     int64     `db:"chat_id"`
		UserID     int64     `db:"user_id"`
		Role       string    `db:"role"`
		AssignedBy int64     `db:"assigned_by"`
		AssignedAt time.Time `db:"assigned_at"`
	}

	Challenge struct {
		ChatID      int64     `db:"chat_id"`
		UserID      int64     `db:"user_id"`
		Kind        string    `db:"kind"`
		Prompt      string    `db:"prompt"`
		Answer      string    `db:"answer"`
		SuccessUUID string    `db:"success_uuid"`
		Attempts    int       `db:"attempts"`
		State       string    `db:"state"`
		CreatedAt   time.Time `db:"created_at"`
		ExpiresAt   time.Time `db:"expires_at"`
	}

	Warning struct {
		ChatID    int64     `db:"chat_id"`
		UserID    int64     `db:"user_id"`
		Count     int       `db:"count"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	ModerationLogEntry struct {
		ID        int64     `db:"id"`
		ChatID    int64     `db:"chat_id"`
		UserID    int64     `db:"user_id"`
		Action    string    `db:"action"`
		Reason    string    `db:"reason"`
		CreatedAt time.Time `db:"created_at"`
	}
)

// Chat-local role values stored in chat_roles. Global owner and GBAN
// status live elsewhere and take precedence during resolution.
const (
	RoleAdmin   = "admin"
	RoleTrusted = "trusted"
	RoleMuted   = "muted"
)

// Challenge states. Pending is the only non-terminal state.
const (
	ChallengePending  = "pending"
	ChallengeVerified = "verified"
	ChallengeFailed   = "failed"
	ChallengeExpired  = "expired"
)
