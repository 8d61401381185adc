// Package telegram connects the conversation machine to the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/gluk-w/kvasbot/internal/conversation"
	"github.com/gluk-w/kvasbot/internal/logutil"
)

// MaxMessageLength is the Bot API limit for one text message, in runes.
const MaxMessageLength = 4096

// DefaultPollTimeout is the long-poll timeout in seconds.
const DefaultPollTimeout = 30

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, in conversation.Inbound) error
}

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot receives updates and sends replies.
type Bot struct {
	api         botAPI
	pollTimeout int

	// chats remembers the chat each user last wrote from. Private chats share
	// the user's id, so unknown users fall back to it.
	chatsMu sync.Mutex
	chats   map[int64]int64
}

// New connects to the Bot API with token and checks it with getMe.
func New(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	log.Printf("[telegram] authorized as @%s", api.Self.UserName)
	return newBot(api), nil
}

func newBot(api botAPI) *Bot {
	return &Bot{
		api:         api,
		pollTimeout: DefaultPollTimeout,
		chats:       make(map[int64]int64),
	}
}

// Run polls for updates until ctx is cancelled. Each message is handled in
// its own goroutine; Run returns after all of them have finished.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	// Messages sent while the bot was down are stale commands.
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("drop pending updates: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	u.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()

	log.Printf("[telegram] polling for updates")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			log.Printf("[telegram] stopped polling, waiting for in-flight messages")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			in, ok := b.inbound(upd)
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				// In-flight commands finish and reply even during shutdown;
				// their own timeouts bound them.
				hctx := context.WithoutCancel(ctx)
				if err := h.Handle(hctx, in); err != nil {
					log.Printf("[telegram] ERROR: handling message from user %d: %v", in.UserID, err)
				}
			}()
		}
	}
}

// inbound extracts a text message from upd and remembers its chat.
func (b *Bot) inbound(upd tgbotapi.Update) (conversation.Inbound, bool) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return conversation.Inbound{}, false
	}
	if msg.Chat != nil {
		b.chatsMu.Lock()
		b.chats[msg.From.ID] = msg.Chat.ID
		b.chatsMu.Unlock()
	}
	log.Printf("[telegram] message from user %d: %q", msg.From.ID, logutil.SanitizeForLog(truncateRunes(msg.Text, 64)))
	return conversation.Inbound{UserID: msg.From.ID, Text: msg.Text}, true
}

func (b *Bot) chatFor(userID int64) int64 {
	b.chatsMu.Lock()
	defer b.chatsMu.Unlock()
	if id, ok := b.chats[userID]; ok {
		return id
	}
	return userID
}

// Send delivers r, splitting texts longer than MaxMessageLength on line
// boundaries. The keyboard is attached to the last part.
func (b *Bot) Send(ctx context.Context, r conversation.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID := b.chatFor(r.UserID)
	parts := splitMessage(r.Text, MaxMessageLength)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if r.Format == conversation.HTML {
			msg.ParseMode = tgbotapi.ModeHTML
		}
		msg.DisableWebPagePreview = true
		if i == len(parts)-1 {
			msg.ReplyMarkup = replyMarkup(r)
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("send message to chat %d: %w", chatID, err)
		}
	}
	return nil
}

func replyMarkup(r conversation.Reply) any {
	switch {
	case r.Keyboard != nil:
		rows := make([][]tgbotapi.KeyboardButton, 0, len(r.Keyboard))
		for _, labels := range r.Keyboard {
			row := make([]tgbotapi.KeyboardButton, 0, len(labels))
			for _, l := range labels {
				row = append(row, tgbotapi.NewKeyboardButton(l))
			}
			rows = append(rows, row)
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.ResizeKeyboard = true
		return kb
	case r.RemoveKeyboard:
		return tgbotapi.NewRemoveKeyboard(true)
	default:
		return nil
	}
}

// splitMessage cuts s into parts of at most limit runes, preferring line
// breaks. A single line longer than limit is cut mid-line.
func splitMessage(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var parts []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n > limit {
			flush()
		}
		for n > limit {
			head := truncateRunes(line, limit)
			parts = append(parts, head)
			line = line[len(head):]
			n -= limit
		}
		cur.WriteString(line)
		curLen += n
	}
	flush()
	for i := range parts {
		parts[i] = strings.TrimRight(parts[i], "\n")
	}
	return parts
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
