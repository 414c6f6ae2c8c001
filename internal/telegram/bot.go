package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"catalyst/internal/util"
)

type Bot struct {
	api *tgbotapi.BotAPI
	h   *Handlers
	ctx context.Context
	log *slog.Logger
}

// NewBot connects to the Bot API and points its webhook at webhookURL.
// Updates are handled under ctx.
func NewBot(ctx context.Context, token, webhookURL string, deps Deps, log *slog.Logger) (*Bot, error) {
	if log == nil {
		log = util.Discard()
	}
	log = log.With("component", "telegram")

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	webhook, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	if _, err := api.Request(webhook); err != nil {
		return nil, err
	}
	log.Info("webhook set", "url", webhookURL, "bot", api.Self.UserName)

	deps.Log = log
	return &Bot{api: api, h: NewHandlers(api, deps), ctx: ctx, log: log}, nil
}

// WebhookHandler receives updates at /telegram/webhook.
func (b *Bot) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}
	if update.Message == nil || update.Message.Chat == nil {
		b.log.Debug("non-message update received", "update_id", update.UpdateID)
		w.WriteHeader(http.StatusOK)
		return
	}
	b.log.Info("webhook message", "chat_id", update.Message.Chat.ID, "text", update.Message.Text)
	go b.h.HandleMessage(b.ctx, update.Message)
	w.WriteHeader(http.StatusOK)
}
