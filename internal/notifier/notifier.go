// Package notifier доставляет уведомления о переходах статусов инвойсов.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/model"
)

// Store описывает контракт сохранения уведомлений.
type Store interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
}

// Notifier рассылает уведомления в настроенные каналы. Доставка
// fire-and-forget: любые сбои логируются и никогда не возвращаются
// вызывающему, состояние инвойса к этому моменту уже сохранено.
type Notifier struct {
	store  Store
	logger *zap.Logger

	webhookURL string
	httpClient *retryablehttp.Client

	tgBot    *bot.Bot
	tgChatID int64
}

// Options содержит настройки каналов доставки.
type Options struct {
	WebhookURL     string
	TelegramToken  string
	TelegramChatID int64
}

// New создаёт Notifier. Каналы без настроек просто не используются.
func New(store Store, logger *zap.Logger, opts Options) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Notifier{
		store:      store,
		logger:     logger,
		webhookURL: opts.WebhookURL,
	}

	if opts.WebhookURL != "" {
		client := retryablehttp.NewClient()
		client.RetryMax = 2
		client.RetryWaitMin = 500 * time.Millisecond
		client.RetryWaitMax = 2 * time.Second
		client.HTTPClient.Timeout = 5 * time.Second
		client.Logger = nil
		n.httpClient = client
	}

	if opts.TelegramToken != "" && opts.TelegramChatID != 0 {
		tgBot, err := bot.New(opts.TelegramToken)
		if err != nil {
			logger.Warn("telegram channel disabled", zap.Error(err))
		} else {
			n.tgBot = tgBot
			n.tgChatID = opts.TelegramChatID
		}
	}

	return n
}

// webhookPayload — тело уведомления для вебхука.
type webhookPayload struct {
	Event         string  `json:"event"`
	InvoiceNumber string  `json:"invoice_number"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	TxID          string  `json:"tx_id,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	Message       string  `json:"message"`
}

// Notify сохраняет уведомление и рассылает его по каналам. Переход статуса
// уже сохранён вызывающим: потерянное уведомление возможно, ложное — нет.
func (n *Notifier) Notify(ctx context.Context, change model.StateChange) {
	message := formatMessage(change)

	if n.store != nil {
		record := &model.Notification{
			InvoiceID: change.InvoiceID,
			Event:     change.Event,
			Message:   message,
		}
		if err := n.store.InsertNotification(ctx, record); err != nil {
			n.logger.Error("store notification", zap.Error(err),
				zap.String("invoice", change.InvoiceNumber))
		}
	}

	if n.httpClient != nil {
		if err := n.sendWebhook(ctx, change, message); err != nil {
			n.logger.Error("webhook notification failed", zap.Error(err),
				zap.String("invoice", change.InvoiceNumber), zap.String("event", change.Event))
		}
	}

	if n.tgBot != nil {
		if _, err := n.tgBot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: n.tgChatID,
			Text:   message,
		}); err != nil {
			n.logger.Error("telegram notification failed", zap.Error(err),
				zap.String("invoice", change.InvoiceNumber))
		}
	}

	n.logger.Info("notification dispatched",
		zap.String("invoice", change.InvoiceNumber),
		zap.String("event", change.Event),
		zap.String("to", string(change.To)),
	)
}

func (n *Notifier) sendWebhook(ctx context.Context, change model.StateChange, message string) error {
	payload := webhookPayload{
		Event:         change.Event,
		InvoiceNumber: change.InvoiceNumber,
		From:          string(change.From),
		To:            string(change.To),
		TxID:          change.TxID,
		Amount:        change.Amount,
		Message:       message,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook status: %d", resp.StatusCode)
	}
	return nil
}

func formatMessage(change model.StateChange) string {
	switch change.Event {
	case model.EventPaymentDetected:
		return fmt.Sprintf("Invoice %s: payment of %s detected (tx %s), awaiting confirmations",
			change.InvoiceNumber, formatAmount(change.Amount), change.TxID)
	case model.EventPartialPayment:
		return fmt.Sprintf("Invoice %s: partial payment of %s received (tx %s)",
			change.InvoiceNumber, formatAmount(change.Amount), change.TxID)
	case model.EventPaymentConfirmed:
		return fmt.Sprintf("Invoice %s: payment of %s confirmed, invoice is paid",
			change.InvoiceNumber, formatAmount(change.Amount))
	}
	return fmt.Sprintf("Invoice %s: status changed from %s to %s",
		change.InvoiceNumber, change.From, change.To)
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
