// Package handler содержит HTTP-обработчики API сервиса криптоинвойсов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/middleware"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/model"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/repository"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/service"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateClient(ctx context.Context, name, email string) (int64, error)
	ListClients(ctx context.Context) ([]model.Client, error)
	CreateInvoice(ctx context.Context, in service.CreateInvoiceInput) (*model.Invoice, error)
	IssueInvoice(ctx context.Context, number string) (*model.Invoice, error)
	GetInvoice(ctx context.Context, number string) (*model.Invoice, []model.PaymentTransaction, error)
	ListInvoices(ctx context.Context, clientID int64) ([]model.Invoice, error)
	CancelInvoice(ctx context.Context, number string) (*model.Invoice, error)
	VerifyManually(ctx context.Context, number, txID string) (*model.Invoice, error)
	PollingLog(ctx context.Context, limit int) ([]model.PollingLogEntry, error)
	Stats(ctx context.Context) (*model.Stats, error)
}

// Handler реализует HTTP-обработчики API сервиса криптоинвойсов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового оператора.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию оператора и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type createClientRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateClient создаёт нового клиента.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateClient(r.Context(), req.Name, req.Email)
	if err != nil {
		h.logger.Error("create client error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// ListClients возвращает всех клиентов.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.service.ListClients(r.Context())
	if err != nil {
		h.logger.Error("list clients error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(clients) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, clients)
}

type createInvoiceRequest struct {
	ClientID     int64   `json:"client_id"`
	FiatAmount   float64 `json:"fiat_amount"`
	FiatCurrency string  `json:"fiat_currency"`
	Currency     string  `json:"currency"`
	Network      string  `json:"network"`
	DueDate      string  `json:"due_date"`
}

type transactionResponse struct {
	TxID          string  `json:"tx_id"`
	Amount        float64 `json:"amount"`
	Confirmations int     `json:"confirmations"`
	Source        string  `json:"source"`
	FirstSeenAt   string  `json:"first_seen_at"`
}

type invoiceResponse struct {
	Number         string                `json:"number"`
	ClientID       int64                 `json:"client_id"`
	FiatAmount     float64               `json:"fiat_amount"`
	FiatCurrency   string                `json:"fiat_currency"`
	Currency       string                `json:"currency"`
	Network        string                `json:"network"`
	DepositAddress string                `json:"deposit_address,omitempty"`
	ExpectedAmount float64               `json:"expected_amount,omitempty"`
	PriceSnapshot  float64               `json:"price_snapshot,omitempty"`
	Status         string                `json:"status"`
	DueDate        string                `json:"due_date"`
	CreatedAt      string                `json:"created_at"`
	PaidAt         *string               `json:"paid_at,omitempty"`
	Transactions   []transactionResponse `json:"transactions,omitempty"`
}

func toInvoiceResponse(inv *model.Invoice, txs []model.PaymentTransaction) invoiceResponse {
	resp := invoiceResponse{
		Number:         inv.Number,
		ClientID:       inv.ClientID,
		FiatAmount:     float64(inv.FiatAmountCents) / 100,
		FiatCurrency:   inv.FiatCurrency,
		Currency:       string(inv.Currency),
		Network:        inv.Network,
		DepositAddress: inv.DepositAddress,
		ExpectedAmount: inv.ExpectedAmount,
		PriceSnapshot:  inv.PriceSnapshot,
		Status:         string(inv.EffectiveStatus(time.Now())),
		DueDate:        inv.DueDate.Format(time.RFC3339),
		CreatedAt:      inv.CreatedAt.Format(time.RFC3339),
	}
	if inv.PaidAt != nil {
		paidAt := inv.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}
	for _, t := range txs {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			TxID:          t.TxID,
			Amount:        t.Amount,
			Confirmations: t.Confirmations,
			Source:        string(t.Source),
			FirstSeenAt:   t.FirstSeenAt.Format(time.RFC3339),
		})
	}
	return resp
}

// CreateInvoice создаёт и выставляет новый инвойс.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dueDate, err := time.Parse(time.RFC3339, req.DueDate)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), service.CreateInvoiceInput{
		ClientID:        req.ClientID,
		FiatAmountCents: int64(req.FiatAmount * 100),
		FiatCurrency:    req.FiatCurrency,
		Currency:        model.Currency(req.Currency),
		Network:         req.Network,
		DueDate:         dueDate,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnsupportedCurrency), errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrClientNotFound):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create invoice error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toInvoiceResponse(inv, nil))
}

func (h *Handler) invoiceNumber(w http.ResponseWriter, r *http.Request) (string, bool) {
	number := chi.URLParam(r, "number")
	if !validation.IsValidInvoiceNumber(number) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return "", false
	}
	return number, true
}

// GetInvoice возвращает инвойс с транзакциями по его номеру.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	number, ok := h.invoiceNumber(w, r)
	if !ok {
		return
	}

	inv, txs, err := h.service.GetInvoice(r.Context(), number)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get invoice error", zap.Error(err), zap.String("number", number))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toInvoiceResponse(inv, txs))
}

// ListInvoices возвращает инвойсы клиента, указанного в параметре client_id.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(r.URL.Query().Get("client_id"), 10, 64)
	if err != nil || clientID <= 0 {
		http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
		return
	}

	invoices, err := h.service.ListInvoices(r.Context(), clientID)
	if err != nil {
		h.logger.Error("list invoices error", zap.Error(err), zap.Int64("clientID", clientID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		resp = append(resp, toInvoiceResponse(&invoices[i], nil))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// IssueInvoice повторяет выставление инвойса, оставшегося без адреса депозита.
func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	number, ok := h.invoiceNumber(w, r)
	if !ok {
		return
	}

	inv, err := h.service.IssueInvoice(r.Context(), number)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("issue invoice error", zap.Error(err), zap.String("number", number))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, toInvoiceResponse(inv, nil))
}

// CancelInvoice отменяет инвойс.
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	number, ok := h.invoiceNumber(w, r)
	if !ok {
		return
	}

	inv, err := h.service.CancelInvoice(r.Context(), number)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvoiceNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvoiceClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("cancel invoice error", zap.Error(err), zap.String("number", number))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toInvoiceResponse(inv, nil))
}

type verifyRequest struct {
	TxID string `json:"tx_id"`
}

// VerifyPayment выполняет ручную верификацию платежа по идентификатору транзакции.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	number, ok := h.invoiceNumber(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidTxID(req.TxID) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	inv, err := h.service.VerifyManually(r.Context(), number, req.TxID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvoiceNotFound), errors.Is(err, service.ErrTransactionNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, service.ErrPaymentMismatch):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrDuplicateTransaction), errors.Is(err, service.ErrInvoiceClosed),
			errors.Is(err, service.ErrInvoiceNotIssued):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("verify payment error", zap.Error(err),
				zap.String("number", number), zap.String("txID", req.TxID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toInvoiceResponse(inv, nil))
}

type pollingLogResponse struct {
	StartedAt        string   `json:"started_at"`
	FinishedAt       string   `json:"finished_at"`
	InvoicesChecked  int      `json:"invoices_checked"`
	AddressesChecked int      `json:"addresses_checked"`
	DepositsMatched  int      `json:"deposits_matched"`
	Errors           []string `json:"errors,omitempty"`
}

// PollingLog возвращает последние записи журнала сверки.
func (h *Handler) PollingLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.service.PollingLog(r.Context(), limit)
	if err != nil {
		h.logger.Error("polling log error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]pollingLogResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, pollingLogResponse{
			StartedAt:        e.StartedAt.Format(time.RFC3339),
			FinishedAt:       e.FinishedAt.Format(time.RFC3339),
			InvoicesChecked:  e.InvoicesChecked,
			AddressesChecked: e.AddressesChecked,
			DepositsMatched:  e.DepositsMatched,
			Errors:           e.Errors,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	ByStatus      map[string]int64 `json:"by_status"`
	PaidFiat      float64          `json:"paid_fiat"`
	OpenFiat      float64          `json:"open_fiat"`
	TotalInvoices int64            `json:"total_invoices"`
	TotalPayments int64            `json:"total_payments"`
}

// Stats возвращает сводную статистику по инвойсам.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := statsResponse{
		ByStatus:      make(map[string]int64, len(stats.ByStatus)),
		PaidFiat:      float64(stats.PaidFiatCents) / 100,
		OpenFiat:      float64(stats.OpenFiatCents) / 100,
		TotalInvoices: stats.TotalInvoices,
		TotalPayments: stats.TotalPayments,
	}
	for status, count := range stats.ByStatus {
		resp.ByStatus[string(status)] = count
	}

	h.writeJSON(w, http.StatusOK, resp)
}
