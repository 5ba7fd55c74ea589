// Package dispatch delivers alert digests via the Telegram Bot API.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/voxmill/marketwatch/internal/models"
)

// ErrDispatch marks notification-transport failures. Delivery and failure are
// distinguishable so the caller never records an undelivered digest.
var ErrDispatch = errors.New("dispatch: delivery failed")

// maxDigestEvents bounds the number of events rendered into one message body.
const maxDigestEvents = 10

// TelegramClient sends digests to a fixed chat.
type TelegramClient struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegramClient creates a Telegram dispatcher.
func NewTelegramClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*TelegramClient, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &TelegramClient{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Deliver sends the digest as one message. A nil return means the transport
// accepted it; anything else wraps ErrDispatch and nothing may be recorded as
// delivered.
func (c *TelegramClient) Deliver(digest *models.Digest) error {
	if err := c.sendMarkdownV2(formatDigest(digest)); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return nil
}

// SendError notifies the operator chat about a monitoring failure.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *TelegramClient) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery notifies the operator chat after consecutive failures cleared.
func (c *TelegramClient) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *TelegramClient) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

func kindEmoji(kind models.AlertKind) string {
	switch kind {
	case models.ExceptionalDeal:
		return "🔥"
	case models.MarketShift:
		return "📊"
	case models.DealVolumeSpike:
		return "💰"
	case models.PricingAnomaly:
		return "⚠️"
	case models.PriceDrop:
		return "📉"
	case models.VolatilitySpike:
		return "🌊"
	default:
		return "🔔"
	}
}

// formatDigest renders a digest into a Telegram MarkdownV2 message. Events
// arrive already ordered by severity, so truncation keeps the most urgent ones.
func formatDigest(digest *models.Digest) string {
	var b strings.Builder

	header := fmt.Sprintf("%s, %s — %s", digest.Entity.Area, digest.Entity.City, digest.Entity.Vertical)
	b.WriteString("🚨 *Market Alert*\n")
	b.WriteString(fmt.Sprintf("*%s*\n", escapeMarkdownV2(header)))
	b.WriteString(fmt.Sprintf("📅 %s\n\n", escapeMarkdownV2(digest.GeneratedAt.Format("2006-01-02 15:04:05"))))

	events := digest.Events
	truncated := 0
	if len(events) > maxDigestEvents {
		truncated = len(events) - maxDigestEvents
		events = events[:maxDigestEvents]
	}

	for i, ev := range events {
		b.WriteString(fmt.Sprintf("%d\\. %s *%s* \\[%s\\]\n",
			i+1, kindEmoji(ev.Kind), escapeMarkdownV2(ev.Kind.String()), escapeMarkdownV2(ev.Severity.String())))
		b.WriteString(fmt.Sprintf("   %s\n\n", escapeMarkdownV2(ev.Message)))
	}

	if truncated > 0 {
		b.WriteString(fmt.Sprintf("…and %d more event\\(s\\) this cycle\n", truncated))
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
