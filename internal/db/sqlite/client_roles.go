package sqlite

import (
	"context"

	"github.com/shieldgrp/shieldbot/internal/db"
)

func (c *sqliteClient) SetRole(ctx context.Context, assignment *db.RoleAssignment) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO chat_roles (chat_id, user_id, role, assigned_by, assigned_at)
		VALUES (:chat_id, :user_id, :role, :assigned_by, :assigned_at)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
		role=excluded.role,
		assigned_by=excluded.assigned_by,
		assigned_at=excluded.assigned_at;
	`
	_, err := c.db.NamedExecContext(ctx, query, assignment)
	return err
}

func (c *sqliteClient) RemoveRole(ctx context.Context, chatID, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "DELETE FROM chat_roles WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return err
}

func (c *sqliteClient) GetRole(ctx context.Context, chatID, userID int64) (string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var role string
	err := c.db.GetContext(ctx, &role, "SELECT role FROM chat_roles WHERE chat_id = ? AND user_id = ?", chatID, userID)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return role, nil
}
