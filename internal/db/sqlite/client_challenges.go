package sqlite

import (
	"context"
	"time"

	"github.com/shieldgrp/shieldbot/internal/db"
)

func (c *sqliteClient) CreateChallenge(ctx context.Context, challenge *db.Challenge) (*db.Challenge, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO captcha_challenges (
			chat_id, user_id, kind, prompt, answer, success_uuid, attempts, state, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			kind = excluded.kind,
			prompt = excluded.prompt,
			answer = excluded.answer,
			success_uuid = excluded.success_uuid,
			attempts = excluded.attempts,
			state = excluded.state,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	_, err := c.db.ExecContext(ctx, query,
		challenge.ChatID,
		challenge.UserID,
		challenge.Kind,
		challenge.Prompt,
		challenge.Answer,
		challenge.SuccessUUID,
		challenge.Attempts,
		challenge.State,
		challenge.CreatedAt,
		challenge.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

func (c *sqliteClient) GetChallenge(ctx context.Context, chatID, userID int64) (*db.Challenge, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var challenge db.Challenge
	err := c.db.GetContext(ctx, &challenge, `
		SELECT chat_id, user_id, kind, prompt, answer, success_uuid, attempts, state, created_at, expires_at
		FROM captcha_challenges
		WHERE chat_id = ? AND user_id = ?
	`, chatID, userID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &challenge, nil
}

func (c *sqliteClient) UpdateChallenge(ctx context.Context, challenge *db.Challenge) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		UPDATE captcha_challenges
		SET kind = ?,
			prompt = ?,
			answer = ?,
			success_uuid = ?,
			attempts = ?,
			state = ?,
			created_at = ?,
			expires_at = ?
		WHERE chat_id = ? AND user_id = ?
	`
	_, err := c.db.ExecContext(ctx, query,
		challenge.Kind,
		challenge.Prompt,
		challenge.Answer,
		challenge.SuccessUUID,
		challenge.Attempts,
		challenge.State,
		challenge.CreatedAt,
		challenge.ExpiresAt,
		challenge.ChatID,
		challenge.UserID,
	)
	return err
}

func (c *sqliteClient) DeleteChallenge(ctx context.Context, chatID, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "DELETE FROM captcha_challenges WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return err
}

func (c *sqliteClient) GetExpiredChallenges(ctx context.Context, now time.Time) ([]*db.Challenge, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var challenges []*db.Challenge
	err := c.db.SelectContext(ctx, &challenges, `
		SELECT chat_id, user_id, kind, prompt, answer, success_uuid, attempts, state, created_at, expires_at
		FROM captcha_challenges
		WHERE state = ? AND expires_at <= ?
	`, db.ChallengePending, now)
	return challenges, err
}
