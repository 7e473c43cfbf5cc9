package sqlite

import (
	"context"
	"time"

	"github.com/shieldgrp/shieldbot/internal/db"
)

// CreateGbanEntry writes the authoritative ban record. Returns false
// when an entry for the user already exists, making a repeated ban a
// no-op rather than an error.
func (c *sqliteClient) CreateGbanEntry(ctx context.Context, entry *db.GbanEntry) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO gban_entries (user_id, reason, issued_by, issued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, entry.UserID, entry.Reason, entry.IssuedBy, entry.IssuedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteClient) DeleteGbanEntry(ctx context.Context, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "DELETE FROM gban_entries WHERE user_id = ?", userID)
	return err
}

func (c *sqliteClient) GetGbanEntry(ctx context.Context, userID int64) (*db.GbanEntry, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var entry db.GbanEntry
	err := c.db.GetContext(ctx, &entry, `
		SELECT user_id, reason, issued_by, issued_at FROM gban_entries WHERE user_id = ?
	`, userID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (c *sqliteClient) GetGbanEntries(ctx context.Context) ([]*db.GbanEntry, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var entries []*db.GbanEntry
	err := c.db.SelectContext(ctx, &entries, "SELECT user_id, reason, issued_by, issued_at FROM gban_entries")
	return entries, err
}

func (c *sqliteClient) MarkReconciled(ctx context.Context, userID, chatID int64, at time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO gban_reconciliations (user_id, chat_id, reconciled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET reconciled_at = excluded.reconciled_at
	`, userID, chatID, at)
	return err
}

func (c *sqliteClient) GetReconciledChats(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var chatIDs []int64
	if err := c.db.SelectContext(ctx, &chatIDs, "SELECT chat_id FROM gban_reconciliations WHERE user_id = ?", userID); err != nil {
		return nil, err
	}
	reconciled := make(map[int64]struct{}, len(chatIDs))
	for _, chatID := range chatIDs {
		reconciled[chatID] = struct{}{}
	}
	return reconciled, nil
}

func (c *sqliteClient) ClearReconciliations(ctx context.Context, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "DELETE FROM gban_reconciliations WHERE user_id = ?", userID)
	return err
}
