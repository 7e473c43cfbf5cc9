package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/captcha"
	"github.com/shieldgrp/shieldbot/internal/db"
	sberrors "github.com/shieldgrp/shieldbot/internal/errors"
	"github.com/shieldgrp/shieldbot/internal/policy/permissions"
)

const adminCacheTTL = 5 * time.Minute

// Operations implements the enforcement surface against the Telegram
// Bot API: the engine's sink, the role resolver's admin lookup and
// the gban propagator's enforcer.
type Operations struct {
	bot    *api.BotAPI
	logger *log.Entry

	adminMutex sync.Mutex
	admins     map[int64]adminCacheEntry
}

type adminCacheEntry struct {
	ids       map[int64]struct{}
	fetchedAt time.Time
}

func NewOperations(bot *api.BotAPI) *Operations {
	return &Operations{
		bot:    bot,
		logger: log.WithField("object", "TelegramOperations"),
		admins: map[int64]adminCacheEntry{},
	}
}

// classify maps API failures onto the engine's error taxonomy:
// permission problems are final, everything else is worth a retry.
func classify(err error, action string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not enough rights") || strings.Contains(msg, "chat_admin_required") {
		return errors.Wrapf(sberrors.ErrNoPrivileges, "%s", action)
	}
	return &sberrors.TransientEnforcementError{Err: errors.Wrap(err, action)}
}

func (o *Operations) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := o.bot.Request(api.NewDeleteMessage(chatID, messageID))
	return classify(err, "delete message")
}

func (o *Operations) WarnUser(ctx context.Context, chatID, userID int64, count, limit int) error {
	text := fmt.Sprintf("⚠️ Warning %d/%d. Reaching the limit means a ban.", count, limit)
	msg := api.NewMessage(chatID, text)
	_, err := o.bot.Send(msg)
	return classify(err, "warn user")
}

func (o *Operations) RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) error {
	config := api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		UntilDate: until.Unix(),
		Permissions: &api.ChatPermissions{
			CanSendMessages:       false,
			CanSendOtherMessages:  false,
			CanAddWebPagePreviews: false,
		},
		UseIndependentChatPermissions: true,
	}
	_, err := o.bot.Request(config)
	return classify(err, "restrict user")
}

func (o *Operations) UnrestrictUser(ctx context.Context, chatID, userID int64) error {
	config := api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		Permissions: &api.ChatPermissions{
			CanSendMessages:       true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
		},
	}
	_, err := o.bot.Request(config)
	return classify(err, "unrestrict user")
}

func (o *Operations) BanUser(ctx context.Context, chatID, userID int64) error {
	config := api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		RevokeMessages: true,
	}
	_, err := o.bot.Request(config)
	return classify(err, "ban user")
}

func (o *Operations) UnbanUser(ctx context.Context, chatID, userID int64) error {
	config := api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		OnlyIfBanned: true,
	}
	_, err := o.bot.Request(config)
	return classify(err, "unban user")
}

// PresentChallenge delivers the challenge prompt; button challenges
// carry their success token as callback data.
func (o *Operations) PresentChallenge(ctx context.Context, challenge *db.Challenge) error {
	var msg api.MessageConfig
	switch challenge.Kind {
	case captcha.KindButton:
		msg = api.NewMessage(challenge.ChatID, "Welcome! Press the button below to prove you're human.")
		msg.ReplyMarkup = api.NewInlineKeyboardMarkup(
			api.NewInlineKeyboardRow(
				api.NewInlineKeyboardButtonData("I'm human", challenge.SuccessUUID),
			),
		)
	case captcha.KindMath:
		msg = api.NewMessage(challenge.ChatID, fmt.Sprintf("Welcome! Reply with the result of %s to join the conversation.", challenge.Prompt))
	case captcha.KindVoice:
		msg = api.NewMessage(challenge.ChatID, fmt.Sprintf("Welcome! Send a voice message saying the word %q to join the conversation.", challenge.Prompt))
	default:
		msg = api.NewMessage(challenge.ChatID, fmt.Sprintf("Welcome! Type the word %q to join the conversation.", challenge.Prompt))
	}
	_, err := o.bot.Send(msg)
	return classify(err, "present challenge")
}

// IsAdmin answers from a short-lived per-chat cache; Telegram's
// administrator list is not worth a round trip per message.
func (o *Operations) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	o.adminMutex.Lock()
	entry, ok := o.admins[chatID]
	o.adminMutex.Unlock()

	if !ok || time.Since(entry.fetchedAt) > adminCacheTTL {
		fresh, err := o.fetchAdmins(chatID)
		if err != nil {
			if ok {
				// Stale beats unavailable.
				_, isAdmin := entry.ids[userID]
				return isAdmin, nil
			}
			return false, err
		}
		entry = fresh
	}

	_, isAdmin := entry.ids[userID]
	return isAdmin, nil
}

func (o *Operations) fetchAdmins(chatID int64) (adminCacheEntry, error) {
	members, err := o.bot.GetChatAdministrators(api.ChatAdministratorsConfig{
		ChatConfig: api.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return adminCacheEntry{}, errors.Wrap(err, "get chat administrators")
	}
	entry := adminCacheEntry{ids: make(map[int64]struct{}, len(members)), fetchedAt: time.Now()}
	for i := range members {
		member := &members[i]
		if member.User == nil || !permissions.CanModerate(member) {
			continue
		}
		entry.ids[member.User.ID] = struct{}{}
	}

	o.adminMutex.Lock()
	o.admins[chatID] = entry
	o.adminMutex.Unlock()
	return entry, nil
}
