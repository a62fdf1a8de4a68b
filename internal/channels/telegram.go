package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dorel14/SoniqueBay-sub001/internal/orchestrator"
)

// TelegramChannel maps each Telegram chat to one conversation and renders
// streamed replies as progressively edited messages.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	submitter  Submitter
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, allowedIDs []int64, submitter Submitter, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		submitter:  submitter,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection; the library blocks rather than closing the channel on a dead
// connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	// One conversation per chat, stable across restarts.
	conversationID := fmt.Sprintf("telegram-%d", msg.Chat.ID)
	em := &telegramEmitter{bot: t.bot, chatID: msg.Chat.ID, logger: t.logger}
	if err := t.submitter.Submit(ctx, conversationID, content, em); err != nil {
		t.logger.Error("telegram submit failed", "conversation_id", conversationID, "error", err)
		em.send("Sorry, I am handling too many messages right now. Please try again in a moment.")
	}
}

// telegramEmitter renders one turn into a chat: the first streamed chunk
// posts a placeholder message that later chunks edit in place, rate limited
// to roughly one edit per second to stay under Telegram's 429 ceiling.
type telegramEmitter struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	mu        sync.Mutex
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

func (e *telegramEmitter) State(_, _ string, state orchestrator.State) error {
	if state == orchestrator.StateThinking {
		// Typing indicator while routing and generation run.
		_, _ = e.bot.Request(tgbotapi.NewChatAction(e.chatID, tgbotapi.ChatTyping))
	}
	return nil
}

func (e *telegramEmitter) Dialogue(_, _ string, chunk string, final bool, _ float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if chunk != "" {
		e.text.WriteString(chunk)
	}
	full := e.text.String()
	if full == "" {
		return nil
	}

	if e.messageID == 0 {
		msg := tgbotapi.NewMessage(e.chatID, full)
		sent, err := e.bot.Send(msg)
		if err != nil {
			e.logger.Warn("telegram send failed", "chat_id", e.chatID, "error", err)
			return nil
		}
		e.messageID = sent.MessageID
		e.lastEdit = time.Now()
		return nil
	}

	if !final && time.Since(e.lastEdit) < time.Second {
		return nil
	}
	e.lastEdit = time.Now()
	edit := tgbotapi.NewEditMessageText(e.chatID, e.messageID, full)
	if _, err := e.bot.Send(edit); err != nil {
		e.logger.Warn("telegram edit failed", "chat_id", e.chatID, "error", err)
	}
	return nil
}

func (e *telegramEmitter) Action(_, _ string, toolName, status string) error {
	if status == "started" {
		_, _ = e.bot.Request(tgbotapi.NewChatAction(e.chatID, tgbotapi.ChatTyping))
	}
	return nil
}

func (e *telegramEmitter) Refusal(_, explanation string) error {
	e.send(explanation)
	return nil
}

func (e *telegramEmitter) send(text string) {
	msg := tgbotapi.NewMessage(e.chatID, text)
	if _, err := e.bot.Send(msg); err != nil {
		e.logger.Error("telegram reply failed", "chat_id", e.chatID, "error", err)
	}
}
