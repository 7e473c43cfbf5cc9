package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/shieldgrp/shieldbot/internal/db"
	"github.com/shieldgrp/shieldbot/resources"
)

type sqliteClient struct {
	db    *sqlx.DB
	mutex sync.RWMutex
}

func NewSQLiteClient(ctx context.Context, dir string, name string) (*sqliteClient, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dbx, err := sqlx.Open("sqlite", filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	dbx.SetMaxOpenConns(42)

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	n, err := migrate.ExecContext(ctx, dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	if n > 0 {
		log.Infof("applied %d migrations!", n)
	}

	return &sqliteClient{db: dbx}, nil
}

func (c *sqliteClient) Close() error {
	return c.db.Close()
}

func (c *sqliteClient) UpsertChat(ctx context.Context, chat *db.ChatMeta) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO chats (id, title, language, enabled)
		VALUES (:id, :title, :language, :enabled)
		ON CONFLICT(id) DO UPDATE SET
		title=excluded.title,
		language=excluded.language,
		enabled=excluded.enabled;
	`
	_, err := c.db.NamedExecContext(ctx, query, chat)
	return err
}

func (c *sqliteClient) GetChats(ctx context.Context) ([]*db.ChatMeta, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var chats []*db.ChatMeta
	err := c.db.SelectContext(ctx, &chats, "SELECT id, title, language, enabled FROM chats WHERE enabled = 1")
	return chats, err
}

func (c *sqliteClient) DeleteChat(ctx context.Context, chatID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, query := range []string{
		"DELETE FROM chats WHERE id = ?",
		"DELETE FROM chat_members WHERE chat_id = ?",
		"DELETE FROM captcha_challenges WHERE chat_id = ?",
		"DELETE FROM user_warnings WHERE chat_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, query, chatID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteClient) InsertMember(ctx context.Context, chatID, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "INSERT OR IGNORE INTO chat_members (chat_id, user_id) VALUES (?, ?)", chatID, userID)
	return err
}

func (c *sqliteClient) DeleteMember(ctx context.Context, chatID, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return err
}

func (c *sqliteClient) GetMembers(ctx context.Context, chatID int64) ([]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var userIDs []int64
	err := c.db.SelectContext(ctx, &userIDs, "SELECT user_id FROM chat_members WHERE chat_id = ?", chatID)
	return userIDs, err
}

func (c *sqliteClient) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var count int
	err := c.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return count > 0, err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
