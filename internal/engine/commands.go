package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/db"
	"github.com/shieldgrp/shieldbot/internal/event"
	"github.com/shieldgrp/shieldbot/internal/roles"
)

// handleCommand recognizes moderation commands and reports whether the
// message was consumed. Global bans are owner territory; chat-local
// roles can also be managed by chat admins. A command from anyone else
// is not a command at all and falls through to the filters.
func (e *Engine) handleCommand(ctx context.Context, ev *event.Event) bool {
	name, targetID, reason, ok := parseCommand(ev.Text)
	if !ok {
		return false
	}

	role, err := e.roles.Resolve(ctx, ev.ChatID, ev.UserID)
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("cant resolve command issuer")
		return false
	}
	switch name {
	case "gban", "ungban":
		if role != roles.RoleOwner {
			return false
		}
	default:
		if role != roles.RoleOwner && role != roles.RoleAdmin {
			return false
		}
	}

	switch name {
	case "gban":
		err = e.gban.Ban(ctx, targetID, ev.UserID, reason)
	case "ungban":
		err = e.gban.Unban(ctx, targetID)
	case "trust":
		err = e.roles.Trust(ctx, ev.ChatID, targetID, ev.UserID)
	case "mute":
		err = e.roles.Mute(ctx, ev.ChatID, targetID, ev.UserID)
	case "untrust", "unmute":
		err = e.roles.Clear(ctx, ev.ChatID, targetID)
	}

	action := name + "_user"
	if err != nil {
		e.logger.WithFields(log.Fields{
			"command":   name,
			"target_id": targetID,
			"error":     err.Error(),
		}).Error("command failed")
		action = action + "_failed"
		reason = err.Error()
	}
	e.auditCommand(ctx, ev, targetID, action, reason)

	// The command itself has no place in the chat history.
	if ev.MessageID != 0 {
		if err := e.sink.DeleteMessage(ctx, ev.ChatID, ev.MessageID); err != nil {
			e.logger.WithField("error", err.Error()).Warn("cant delete command message")
		}
	}
	return true
}

// parseCommand splits "/gban 12345 some reason" into its parts. The
// target is a bare numeric user id; anything after it is the reason.
func parseCommand(text string) (name string, targetID int64, reason string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", 0, "", false
	}
	fields := strings.Fields(text)
	// Commands in groups may arrive as /gban@botname.
	name = strings.SplitN(strings.TrimPrefix(fields[0], "/"), "@", 2)[0]
	switch name {
	case "gban", "ungban", "trust", "untrust", "mute", "unmute":
	default:
		return "", 0, "", false
	}
	if len(fields) < 2 {
		return "", 0, "", false
	}
	targetID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || targetID <= 0 {
		return "", 0, "", false
	}
	return name, targetID, strings.Join(fields[2:], " "), true
}

func (e *Engine) auditCommand(ctx context.Context, ev *event.Event, targetID int64, action, reason string) {
	err := e.store.LogModerationAction(ctx, &db.ModerationLogEntry{
		ChatID:    ev.ChatID,
		UserID:    targetID,
		Action:    action,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("cant write audit entry")
	}
}
