package telegram

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotfix-license-server/internal/protocol"
	"hotfix-license-server/internal/store"
)

const (
	adminChat = int64(42)
	secret    = "bot-secret"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	answered []string
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answered = append(f.answered, cb.CallbackQueryID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

func (f *fakeAPI) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *protocol.Engine) {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := protocol.NewEngine(protocol.Config{Store: st, AdminSecret: secret, Logger: log})
	require.NoError(t, err)

	api := &fakeAPI{updates: make(chan tgbotapi.Update, 8)}
	return newBot(api, adminChat, engine, secret, log), api, engine
}

func message(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}, Text: text}
}

func callback(chatID int64, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{ID: "cb-" + data, Message: message(chatID, ""), Data: data}
}

func TestRejectsOtherChats(t *testing.T) {
	b, api, engine := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, message(7, "/new 30"))
	require.Len(t, api.texts(), 1)
	assert.Contains(t, api.texts()[0], "only serves its admin")

	list, err := engine.AdminList(ctx, secret)
	require.NoError(t, err)
	assert.Empty(t, list)

	b.handleCallback(ctx, callback(7, "list"))
	assert.Len(t, api.texts(), 1)
	assert.Equal(t, []string{"cb-list"}, api.answered)
}

func TestCommands(t *testing.T) {
	b, api, engine := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, message(adminChat, "/new 30 abcde-12345-fghij-67890"))
	assert.Contains(t, api.last().Text, "License created:\nABCDE-12345-FGHIJ-67890")

	b.handleMessage(ctx, message(adminChat, "/new 0"))
	assert.Contains(t, api.last().Text, "Expires: never")

	b.handleMessage(ctx, message(adminChat, "/new -3"))
	assert.Contains(t, api.last().Text, "non-negative")

	b.handleMessage(ctx, message(adminChat, "/new 30 ABCDE-12345-FGHIJ-67890"))
	assert.Equal(t, "Error: license already exists", api.last().Text)

	b.handleMessage(ctx, message(adminChat, "/list"))
	assert.Contains(t, api.last().Text, "ABCDE-12345-FGHIJ-67890 | active | unbound")

	b.handleMessage(ctx, message(adminChat, "/info ABCDE-12345-FGHIJ-67890"))
	info := api.last()
	assert.Contains(t, info.Text, "Status: active")
	assert.NotNil(t, info.ReplyMarkup)

	b.handleMessage(ctx, message(adminChat, "/burn ABCDE-12345-FGHIJ-67890"))
	assert.Equal(t, "Burned:\nABCDE-12345-FGHIJ-67890", api.last().Text)

	lic, err := engine.AdminLookup(ctx, secret, "ABCDE-12345-FGHIJ-67890")
	require.NoError(t, err)
	assert.True(t, lic.Burned())

	b.handleMessage(ctx, message(adminChat, "/info ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ"))
	assert.Equal(t, "Error: license not found", api.last().Text)

	b.handleMessage(ctx, message(adminChat, "/whatever"))
	assert.True(t, strings.HasPrefix(api.last().Text, "Commands:"))
}

func TestButtonFlow(t *testing.T) {
	b, api, engine := newTestBot(t)
	ctx := context.Background()

	b.handleCallback(ctx, callback(adminChat, "new"))
	assert.Equal(t, stateNewLicense, b.getState(adminChat))

	b.handleMessage(ctx, message(adminChat, "not-a-number"))
	assert.Equal(t, stateNewLicense, b.getState(adminChat))

	b.handleMessage(ctx, message(adminChat, "7 ABCDE-12345-FGHIJ-67890"))
	assert.Equal(t, stateNone, b.getState(adminChat))
	texts := api.texts()
	assert.Contains(t, texts[len(texts)-2], "License created")

	b.handleCallback(ctx, callback(adminChat, "list"))
	assert.Contains(t, api.last().Text, "Latest licenses")

	b.handleCallback(ctx, callback(adminChat, "ask_burn"))
	b.handleMessage(ctx, message(adminChat, "ABCDE-12345-FGHIJ-67890"))
	texts = api.texts()
	assert.Equal(t, "Burned:\nABCDE-12345-FGHIJ-67890", texts[len(texts)-2])

	lic, err := engine.AdminLookup(ctx, secret, "ABCDE-12345-FGHIJ-67890")
	require.NoError(t, err)
	assert.True(t, lic.Burned())

	b.handleCallback(ctx, callback(adminChat, "info:ABCDE-12345-FGHIJ-67890"))
	texts = api.texts()
	assert.Contains(t, texts[len(texts)-2], "Status: burned")
}

func TestRunStopsOnCancel(t *testing.T) {
	b, api, _ := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	api.updates <- tgbotapi.Update{Message: message(adminChat, "/menu")}
	require.Eventually(t, func() bool { return len(api.texts()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.True(t, api.stopped)
}

func TestOrDashTruncatesOnRunes(t *testing.T) {
	assert.Equal(t, "-", orDash("  "))
	assert.Equal(t, "Pixel 8", orDash(" Pixel 8 "))

	long := strings.Repeat("ж", 250)
	got := orDash(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("ж", 200)+"...", got)
}
