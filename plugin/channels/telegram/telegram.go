// Package telegram implements the Telegram Bot channel.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/microclaw/plugin/channels"
)

const jidSuffix = "@telegram"

// TelegramChannel implements channels.Channel for the Telegram Bot API.
type TelegramChannel struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(botToken string) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

// Name returns the platform name.
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// OwnsJID reports whether the JID belongs to the Telegram namespace.
// Telegram JIDs have the form "<chat_id>@telegram".
func (t *TelegramChannel) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, jidSuffix)
}

func chatIDFromJID(jid string) (int64, error) {
	raw := strings.TrimSuffix(jid, jidSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram jid %q: %w", jid, err)
	}
	return id, nil
}

// JIDForChat returns the gateway JID for a Telegram chat ID.
func JIDForChat(chatID int64) string {
	return strconv.FormatInt(chatID, 10) + jidSuffix
}

// SendMessage sends a text message.
func (t *TelegramChannel) SendMessage(ctx context.Context, jid, text string) error {
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// SendReaction is not supported by the Bot API version in use.
func (t *TelegramChannel) SendReaction(ctx context.Context, jid string, key channels.MessageKey, emoji string) error {
	return channels.ErrUnsupported
}

// SetTyping toggles the typing chat action. Telegram auto-expires the action
// after a few seconds, so "off" is a no-op.
func (t *TelegramChannel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing {
		return nil
	}
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return err
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

// Start long-polls the Bot API for updates until ctx is cancelled.
func (t *TelegramChannel) Start(ctx context.Context, sink channels.InboundSink) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.bot.GetUpdatesChan(cfg)

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				tgMsg := update.Message
				if tgMsg == nil || tgMsg.Text == "" {
					continue
				}
				sink(ctx, &channels.InboundMessage{
					ID:        strconv.Itoa(tgMsg.MessageID),
					ChatJID:   JIDForChat(tgMsg.Chat.ID),
					Sender:    senderName(tgMsg),
					Content:   tgMsg.Text,
					Timestamp: time.Unix(int64(tgMsg.Date), 0),
					IsFromMe:  tgMsg.From != nil && tgMsg.From.ID == t.bot.Self.ID,
				})
			}
		}
	}()
	return nil
}

func senderName(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return ""
	}
	if msg.From.UserName != "" {
		return msg.From.UserName
	}
	return strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
}

// Disconnect stops the update stream.
func (t *TelegramChannel) Disconnect() error {
	t.bot.StopReceivingUpdates()
	slog.Info("telegram: disconnected")
	return nil
}
