package sqlite

import (
	"context"
	"time"

	"github.com/shieldgrp/shieldbot/internal/db"
)

func (c *sqliteClient) IncrementWarning(ctx context.Context, chatID, userID int64, at time.Time) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO user_warnings (chat_id, user_id, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
		count = count + 1,
		updated_at = excluded.updated_at
	`, chatID, userID, at)
	if err != nil {
		return 0, err
	}

	var count int
	err = c.db.GetContext(ctx, &count, "SELECT count FROM user_warnings WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return count, err
}

func (c *sqliteClient) ResetWarnings(ctx context.Context, chatID, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "DELETE FROM user_warnings WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return err
}

func (c *sqliteClient) LogModerationAction(ctx context.Context, entry *db.ModerationLogEntry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO moderation_log (chat_id, user_id, action, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ChatID, entry.UserID, entry.Action, entry.Reason, entry.CreatedAt)
	return err
}
