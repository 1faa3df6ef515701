package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/models"
)

type captured struct {
	token  string
	chatID int64
	text   string
}

func newCapturingNotifier(token string, chatID int64) (*Notifier, chan captured) {
	n := NewNotifier(token, chatID, logging.NewLogger(logging.WithLevel(logging.LevelError)))
	ch := make(chan captured, 8)
	n.send = func(token string, chatID int64, text string) {
		ch <- captured{token: token, chatID: chatID, text: text}
	}
	return n, ch
}

func receive(t *testing.T, ch chan captured) captured {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return captured{}
	}
}

func TestEnabled(t *testing.T) {
	logger := logging.NewLogger(logging.WithLevel(logging.LevelError))

	assert.True(t, NewNotifier("tok", 42, logger).Enabled())
	assert.False(t, NewNotifier("", 42, logger).Enabled())
	assert.False(t, NewNotifier("tok", 0, logger).Enabled())
	assert.False(t, NewNotifier("   ", 42, logger).Enabled())

	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Enabled())
}

func TestAccountSwitched(t *testing.T) {
	n, ch := newCapturingNotifier("tok", 42)

	n.AccountSwitched("ops_team@example.com", 3, "previous account ineligible")

	msg := receive(t, ch)
	assert.Equal(t, "tok", msg.token)
	assert.Equal(t, int64(42), msg.chatID)
	assert.Contains(t, msg.text, "ops\\_team@example.com")
	assert.Contains(t, msg.text, "#3")
	assert.Contains(t, msg.text, "previous account ineligible")
}

func TestFamilyExhausted(t *testing.T) {
	n, ch := newCapturingNotifier("tok", 42)

	n.FamilyExhausted(models.FamilyClaude, 90*time.Second)

	msg := receive(t, ch)
	assert.Contains(t, msg.text, "claude")
	assert.Contains(t, msg.text, "1m30s")
}

func TestFamilyExhaustedWithoutRecoveryTime(t *testing.T) {
	n, ch := newCapturingNotifier("tok", 42)

	n.FamilyExhausted(models.FamilyGemini, 0)

	msg := receive(t, ch)
	assert.NotContains(t, msg.text, "recovery")
}

func TestAccountCoolingDown(t *testing.T) {
	n, ch := newCapturingNotifier("tok", 42)

	n.AccountCoolingDown("a@example.com", 5*time.Minute, "repeated proxy failures")

	msg := receive(t, ch)
	assert.Contains(t, msg.text, "5m0s")
	assert.Contains(t, msg.text, "repeated proxy failures")
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n, ch := newCapturingNotifier("", 42)

	n.AccountSwitched("a@example.com", 0, "")
	n.FamilyExhausted(models.FamilyClaude, time.Minute)

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %q", msg.text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEscapeMarkdown(t *testing.T) {
	require.Equal(t, "a\\_b\\*c\\`d\\[e", escapeMarkdown("a_b*c`d[e"))
}
