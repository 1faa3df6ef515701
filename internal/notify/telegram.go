// Package notify pushes operator alerts for pool events: account
// switches and family exhaustion. Delivery is best effort and never
// blocks scheduling.
package notify

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/models"
)

// Notifier sends Telegram messages about pool state changes. A zero
// token disables it entirely.
type Notifier struct {
	token  string
	chatID int64
	logger *logging.Logger

	send func(token string, chatID int64, text string)
}

// NewNotifier creates a notifier. Disabled when token or chatID is empty.
func NewNotifier(token string, chatID int64, logger *logging.Logger) *Notifier {
	return &Notifier{
		token:  strings.TrimSpace(token),
		chatID: chatID,
		logger: logger,
		send:   sendMessage,
	}
}

// Enabled reports whether messages will actually go out.
func (n *Notifier) Enabled() bool {
	return n != nil && n.token != "" && n.chatID != 0
}

// AccountSwitched announces a switch to a different account. Callers
// debounce through the manager's toast gate before invoking this.
func (n *Notifier) AccountSwitched(email string, index int, reason string) {
	if !n.Enabled() {
		return
	}
	text := fmt.Sprintf("🔄 Switched to account *%s* (#%d)", escapeMarkdown(email), index)
	if reason != "" {
		text += fmt.Sprintf("\n_%s_", escapeMarkdown(reason))
	}
	n.deliver(text)
}

// FamilyExhausted announces that every account in the pool is blocked
// for the family, with the earliest recovery time.
func (n *Notifier) FamilyExhausted(family models.Family, minWait time.Duration) {
	if !n.Enabled() {
		return
	}
	text := fmt.Sprintf("⛔ All accounts exhausted for *%s*", family)
	if minWait > 0 {
		text += fmt.Sprintf("\nEarliest recovery in %s", minWait.Round(time.Second))
	}
	n.deliver(text)
}

// AccountCoolingDown announces a structural cooldown.
func (n *Notifier) AccountCoolingDown(email string, d time.Duration, reason string) {
	if !n.Enabled() {
		return
	}
	n.deliver(fmt.Sprintf("🧊 Account *%s* cooling down for %s\n_%s_",
		escapeMarkdown(email), d.Round(time.Second), escapeMarkdown(reason)))
}

func (n *Notifier) deliver(text string) {
	go n.send(n.token, n.chatID, text)
	if n.logger != nil {
		n.logger.Debug("notification queued", "chars", len(text))
	}
}

func sendMessage(token string, chatID int64, text string) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	_, _ = bot.Send(msg)
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return replacer.Replace(s)
}
