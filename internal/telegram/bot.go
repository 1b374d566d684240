// Package telegram is the admin front-end: a button-driven Telegram bot for
// one admin chat, calling the engine's admin operations.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"hotfix-license-server/internal/protocol"
	"hotfix-license-server/internal/store"
)

// Admin is the subset of *protocol.Engine the bot drives.
type Admin interface {
	AdminCreate(ctx context.Context, secret, licenseKey string, expiresDays int) (store.License, error)
	AdminBurn(ctx context.Context, secret, licenseKey string) (store.License, error)
	AdminLookup(ctx context.Context, secret, licenseKey string) (store.License, error)
	AdminList(ctx context.Context, secret string) ([]store.License, error)
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	api         botAPI
	adminChatID int64
	admin       Admin
	secret      string
	log         *slog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone       pendingState = ""
	stateNewLicense pendingState = "new_license"
	stateAskInfo    pendingState = "ask_info"
	stateAskBurn    pendingState = "ask_burn"
)

const (
	listButtons = 20
	listLines   = 50
)

func NewBot(token string, adminChatID int64, admin Admin, secret string, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return newBot(api, adminChatID, admin, secret, log), nil
}

func newBot(api botAPI, adminChatID int64, admin Admin, secret string, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		api:         api,
		adminChatID: adminChatID,
		admin:       admin,
		secret:      secret,
		log:         log.With(slog.String("component", "telegram")),
		states:      map[int64]pendingState{},
	}
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	b.log.InfoContext(ctx, "bot started", slog.Int64("admin_chat_id", b.adminChatID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.Chat == nil {
		return
	}
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if chatID != b.adminChatID {
		b.log.WarnContext(ctx, "message from unknown chat", slog.Int64("chat_id", chatID))
		b.reply(chatID, "This bot only serves its admin.")
		return
	}

	if strings.HasPrefix(text, "/") {
		b.setState(chatID, stateNone)
		b.handleCommand(ctx, chatID, text)
		return
	}

	switch b.getState(chatID) {
	case stateNewLicense:
		b.handleNewLicenseInput(ctx, chatID, text)
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, text)
		b.sendMenu(chatID, "")
	case stateAskBurn:
		b.setState(chatID, stateNone)
		b.cmdBurn(ctx, chatID, text)
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Use the buttons below.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start", "/help", "/menu":
		b.sendMenu(chatID, "License admin")
	case "/new":
		b.cmdNew(ctx, chatID, args)
	case "/list":
		b.cmdList(ctx, chatID)
	case "/info":
		if len(args) != 1 {
			b.reply(chatID, "Usage: /info <license>")
			return
		}
		b.cmdInfo(ctx, chatID, args[0])
	case "/burn":
		if len(args) != 1 {
			b.reply(chatID, "Usage: /burn <license>")
			return
		}
		b.cmdBurn(ctx, chatID, args[0])
	default:
		b.reply(chatID, helpText())
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chatID := q.Message.Chat.ID
	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Access denied")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License admin")
	case data == "new":
		b.setState(chatID, stateNewLicense)
		b.reply(chatID, "Send the validity in days (0 = never expires), optionally followed by a key.\nExample: 30 ABCDE-12345-FGHIJ-67890")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdListWithButtons(ctx, chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the license key:")
	case data == "ask_burn":
		b.setState(chatID, stateAskBurn)
		b.reply(chatID, "Send the license key to burn. This cannot be undone.")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, strings.TrimPrefix(data, "info:"))
		b.sendMenu(chatID, "")
	case strings.HasPrefix(data, "burn:"):
		b.setState(chatID, stateNone)
		b.cmdBurn(ctx, chatID, strings.TrimPrefix(data, "burn:"))
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New license", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
			tgbotapi.NewInlineKeyboardButtonData("🔥 Burn", "ask_burn"),
		),
	)
	b.send(msg)
}

func (b *Bot) handleNewLicenseInput(ctx context.Context, chatID int64, text string) {
	if b.cmdNew(ctx, chatID, strings.Fields(text)) {
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "")
	}
}

// cmdNew handles "<days> [key]" and reports whether a license was created.
func (b *Bot) cmdNew(ctx context.Context, chatID int64, args []string) bool {
	if len(args) < 1 || len(args) > 2 {
		b.reply(chatID, "Usage: /new <days> [license]")
		return false
	}
	days, err := strconv.Atoi(args[0])
	if err != nil || days < 0 {
		b.reply(chatID, "Days must be a non-negative number")
		return false
	}
	key := ""
	if len(args) == 2 {
		key = args[1]
	}
	lic, err := b.admin.AdminCreate(ctx, b.secret, key, days)
	if err != nil {
		b.replyError(chatID, err)
		return false
	}
	b.reply(chatID, "License created:\n"+lic.Key+"\nExpires: "+formatExpiry(lic.ExpiresAt))
	return true
}

func (b *Bot) cmdInfo(ctx context.Context, chatID int64, key string) {
	lic, err := b.admin.AdminLookup(ctx, b.secret, strings.TrimSpace(key))
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	lines := []string{
		"License: " + lic.Key,
		"Status: " + string(lic.Status),
		"Expires: " + formatExpiry(lic.ExpiresAt),
		"Device: " + orDash(lic.DeviceID),
		"Device info: " + orDash(lic.DeviceInfo),
		fmt.Sprintf("Verifications: %d", lic.VerificationCount),
		"Created: " + lic.CreatedAt.Format(time.RFC3339),
	}
	if lic.LastVerified != nil {
		lines = append(lines, "Last verified: "+lic.LastVerified.Format(time.RFC3339))
	}

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	if !lic.Burned() {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔥 Burn", "burn:"+lic.Key),
		))
	}
	b.send(msg)
}

func (b *Bot) cmdBurn(ctx context.Context, chatID int64, key string) {
	lic, err := b.admin.AdminBurn(ctx, b.secret, strings.TrimSpace(key))
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	b.log.InfoContext(ctx, "license burned from bot", slog.String("license", lic.Key))
	b.reply(chatID, "Burned:\n"+lic.Key)
}

func (b *Bot) cmdList(ctx context.Context, chatID int64) {
	list, err := b.admin.AdminList(ctx, b.secret)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No licenses yet")
		return
	}
	n := min(len(list), listLines)
	lines := []string{"Licenses:"}
	for _, lic := range list[:n] {
		lines = append(lines, summary(lic))
	}
	if len(list) > n {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(list)-n))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdListWithButtons(ctx context.Context, chatID int64) {
	list, err := b.admin.AdminList(ctx, b.secret)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No licenses yet")
		return
	}

	n := min(len(list), listButtons)
	lines := []string{"Latest licenses (tap for details):"}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, n+1)
	for _, lic := range list[:n] {
		lines = append(lines, summary(lic))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+lic.Key, "info:"+lic.Key),
		))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func summary(lic store.License) string {
	bound := "unbound"
	if lic.Bound() {
		bound = "bound"
	}
	return fmt.Sprintf("- %s | %s | %s | expires %s", lic.Key, lic.Status, bound, formatExpiry(lic.ExpiresAt))
}

func (b *Bot) answerCallback(id string, text string) error {
	_, err := b.api.Request(tgbotapi.NewCallback(id, text))
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) replyError(chatID int64, err error) {
	var pe *protocol.Error
	msg := "server error"
	if errors.As(err, &pe) {
		msg = pe.Msg
	}
	b.reply(chatID, "Error: "+msg)
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("telegram send failed", slog.String("error", err.Error()))
	}
}

func helpText() string {
	return "Commands: /new <days> [license], /list, /info <license>, /burn <license>, /menu"
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02")
}

func orDash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	if r := []rune(s); len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
