package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/shieldgrp/shieldbot/internal/db"
	"github.com/shieldgrp/shieldbot/internal/event"
	"github.com/shieldgrp/shieldbot/internal/infra"
	"github.com/shieldgrp/shieldbot/internal/infra/reg"
	"github.com/shieldgrp/shieldbot/internal/utils/text"
)

const (
	feedTimeout      = 60
	voiceFetchLimit  = 1 << 20 // 1 MiB is plenty for a spoken word
	voiceHTTPTimeout = 10 * time.Second
)

type ChatRegistry interface {
	UpsertChat(ctx context.Context, chat *db.ChatMeta) error
	DeleteChat(ctx context.Context, chatID int64) error
}

// Feed drains the bot update channel and translates updates into pump
// events. It also keeps the chat registry current, since the gban
// fanout needs to know every administered chat.
type Feed struct {
	bot        *api.BotAPI
	pump       *event.Pump
	registry   ChatRegistry
	httpClient *http.Client
	logger     *log.Entry

	startStopMutex sync.Mutex
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func NewFeed(bot *api.BotAPI, pump *event.Pump, registry ChatRegistry) *Feed {
	return &Feed{
		bot:        bot,
		pump:       pump,
		registry:   registry,
		httpClient: &http.Client{Timeout: voiceHTTPTimeout},
		logger:     log.WithField("object", "TelegramFeed"),
	}
}

func (f *Feed) Start(ctx context.Context) error {
	f.startStopMutex.Lock()
	defer f.startStopMutex.Unlock()
	if f.cancel != nil {
		return nil
	}
	ctx, f.cancel = context.WithCancel(ctx)

	updateConfig := api.NewUpdate(0)
	updateConfig.Timeout = feedTimeout
	updates := f.bot.GetUpdatesChan(updateConfig)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		infra.GoRecoverable(-1, "telegram_feed", func() {
			for {
				select {
				case <-ctx.Done():
					return
				case update, ok := <-updates:
					if !ok {
						return
					}
					f.translate(ctx, &update)
				}
			}
		})
	}()
	return nil
}

func (f *Feed) Stop(_ context.Context) error {
	f.startStopMutex.Lock()
	defer f.startStopMutex.Unlock()
	if f.cancel == nil {
		return nil
	}
	f.bot.StopReceivingUpdates()
	f.cancel()
	f.cancel = nil
	f.wg.Wait()
	return nil
}

func (f *Feed) translate(ctx context.Context, u *api.Update) {
	if u.MyChatMember != nil {
		f.handleBotMembership(ctx, u.UpdateID, u.MyChatMember)
		return
	}

	chat := u.FromChat()
	user := u.SentFrom()
	if chat == nil || user == nil {
		return
	}
	if !chat.IsGroup() && !chat.IsSuperGroup() {
		return
	}
	f.registerChat(ctx, chat, user)

	switch {
	case u.CallbackQuery != nil:
		f.pump.Enqueue(&event.Event{
			ID:       fmt.Sprintf("%d", u.UpdateID),
			Kind:     event.KindCallback,
			ChatID:   chat.ID,
			UserID:   user.ID,
			Username: user.UserName,
			Token:    u.CallbackQuery.Data,
			At:       time.Now(),
		})
	case u.Message != nil:
		f.translateMessage(u.UpdateID, u.Message, chat)
	}
}

func (f *Feed) translateMessage(updateID int, msg *api.Message, chat *api.Chat) {
	at := msg.Time()

	if len(msg.NewChatMembers) > 0 {
		for _, member := range msg.NewChatMembers {
			if member.IsBot {
				continue
			}
			f.pump.Enqueue(&event.Event{
				ID:       fmt.Sprintf("%d-%d", updateID, member.ID),
				Kind:     event.KindJoin,
				ChatID:   chat.ID,
				UserID:   member.ID,
				Username: member.UserName,
				LangHint: member.LanguageCode,
				At:       at,
			})
		}
		return
	}
	if msg.LeftChatMember != nil {
		f.pump.Enqueue(&event.Event{
			ID:     fmt.Sprintf("%d-%d", updateID, msg.LeftChatMember.ID),
			Kind:   event.KindLeave,
			ChatID: chat.ID,
			UserID: msg.LeftChatMember.ID,
			At:     at,
		})
		return
	}
	if msg.From == nil || msg.From.IsBot {
		return
	}

	ev := &event.Event{
		ID:        fmt.Sprintf("%d", updateID),
		Kind:      event.KindMessage,
		ChatID:    chat.ID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Text:      messageText(msg),
		LangHint:  langHint(msg),
		MessageID: msg.MessageID,
		At:        at,
	}
	if msg.Voice != nil {
		ev.Kind = event.KindVoice
		ev.Audio = f.fetchVoice(msg.Voice.FileID)
	}
	f.pump.Enqueue(ev)
}

func messageText(msg *api.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// langHint prefers the script of the message itself over the sender's
// client language, which spammers routinely spoof.
func langHint(msg *api.Message) string {
	if hint := text.ScriptHint(messageText(msg)); hint != "" {
		return hint
	}
	return msg.From.LanguageCode
}

// fetchVoice downloads a voice note for transcription. Failures just
// yield no audio; the challenge stays pending.
func (f *Feed) fetchVoice(fileID string) []byte {
	url, err := f.bot.GetFileDirectURL(fileID)
	if err != nil {
		f.logger.WithField("error", err.Error()).Warn("cant resolve voice file")
		return nil
	}
	resp, err := f.httpClient.Get(url)
	if err != nil {
		f.logger.WithField("error", err.Error()).Warn("cant fetch voice file")
		return nil
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, voiceFetchLimit))
	if err != nil {
		f.logger.WithField("error", err.Error()).Warn("cant read voice file")
		return nil
	}
	return audio
}

// handleBotMembership reacts to the bot itself being added to or
// removed from a chat. Removal drops the chat from the registry so
// the gban fanout stops targeting it, and announces it downstream so
// per-chat hot state gets purged.
func (f *Feed) handleBotMembership(ctx context.Context, updateID int, update *api.ChatMemberUpdated) {
	status := update.NewChatMember.Status
	if status != "left" && status != "kicked" {
		f.registerChat(ctx, &update.Chat, &update.From)
		return
	}

	if err := f.registry.DeleteChat(ctx, update.Chat.ID); err != nil {
		f.logger.WithField("error", err.Error()).Error("cant delete chat")
		return
	}
	reg.Get().RemoveChat(update.Chat.ID)
	f.pump.Enqueue(&event.Event{
		ID:     fmt.Sprintf("%d", updateID),
		Kind:   event.KindChatGone,
		ChatID: update.Chat.ID,
		At:     time.Now(),
	})
}

func (f *Feed) registerChat(ctx context.Context, chat *api.Chat, user *api.User) {
	meta := &db.ChatMeta{
		ID:       chat.ID,
		Title:    chat.Title,
		Language: user.LanguageCode,
		Enabled:  true,
	}
	if cached := reg.Get().GetChat(chat.ID); cached != nil && *cached == *meta {
		return
	}
	if err := f.registry.UpsertChat(ctx, meta); err != nil {
		f.logger.WithField("error", err.Error()).Error("cant upsert chat")
		return
	}
	reg.Get().SetChat(meta)
}
