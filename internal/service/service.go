// Package service реализует бизнес-логику сервиса криптоинвойсов.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/exchange"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/matching"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/model"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/repository"
)

// ErrUnsupportedCurrency возвращается при создании инвойса в неизвестной валюте.
var (
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	// ErrInvalidAmount возвращается для неположительной суммы инвойса.
	ErrInvalidAmount = errors.New("invoice amount must be positive")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvoiceClosed возвращается при операции над отменённым инвойсом.
	ErrInvoiceClosed = errors.New("invoice is closed")
	// ErrInvoiceNotIssued возвращается, если у инвойса ещё нет адреса депозита.
	ErrInvoiceNotIssued = errors.New("invoice has no deposit address yet")
	// ErrTransactionNotFound возвращается, если транзакция неизвестна бирже.
	ErrTransactionNotFound = errors.New("transaction not found on exchange")
	// ErrPaymentMismatch возвращается, если сумма или адрес транзакции не
	// удовлетворяют условиям сопоставления. Состояние инвойса не меняется.
	ErrPaymentMismatch = errors.New("transaction does not match invoice")
	// ErrDuplicateTransaction возвращается, если транзакция уже привязана к другому инвойсу.
	ErrDuplicateTransaction = errors.New("transaction already linked to another invoice")
)

// errExcessDeposit — внутренний маркер депозита, превышающего ожидаемую сумму
// сверх допуска. Такой депозит не привязывается автоматически.
var errExcessDeposit = errors.New("deposit exceeds expected amount beyond tolerance")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateClient(ctx context.Context, name, email string) (int64, error)
	GetClient(ctx context.Context, id int64) (*model.Client, error)
	ListClients(ctx context.Context) ([]model.Client, error)
	CreateInvoice(ctx context.Context, inv *model.Invoice) (int64, error)
	AssignDepositAddress(ctx context.Context, id int64, address string, expectedAmount, priceSnapshot float64) error
	GetInvoiceByNumber(ctx context.Context, number string) (*model.Invoice, error)
	ListInvoicesByClient(ctx context.Context, clientID int64) ([]model.Invoice, error)
	GetOpenInvoices(ctx context.Context) ([]model.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id int64, from, to model.InvoiceStatus) (bool, error)
	MarkInvoicePaid(ctx context.Context, id int64, paidAt time.Time) (bool, error)
	CreateTransaction(ctx context.Context, t *model.PaymentTransaction) (bool, error)
	GetTransactionByTxID(ctx context.Context, txID string) (*model.PaymentTransaction, error)
	GetTransactionsByInvoice(ctx context.Context, invoiceID int64) ([]model.PaymentTransaction, error)
	UpdateTransactionConfirmations(ctx context.Context, txID string, confirmations int) error
	InsertPollingLogEntry(ctx context.Context, entry *model.PollingLogEntry) error
	ListPollingLog(ctx context.Context, limit int) ([]model.PollingLogEntry, error)
	GetStats(ctx context.Context) (*model.Stats, error)
}

// Exchange описывает контракт клиента биржи, используемый сервисом.
type Exchange interface {
	GetDepositAddress(ctx context.Context, coin, network string) (string, error)
	ListDeposits(ctx context.Context, coin, network string, since time.Time) ([]exchange.DepositRecord, error)
	GetTransaction(ctx context.Context, txID string) (*exchange.DepositRecord, error)
	GetPrice(ctx context.Context, coin, fiat string) (float64, error)
}

// Notifier доставляет уведомления о переходах статусов. Доставка
// fire-and-forget: ошибки логируются получателем и не возвращаются.
type Notifier interface {
	Notify(ctx context.Context, change model.StateChange)
}

// Options содержит настройки движка сверки.
type Options struct {
	Tolerance       float64
	PollInterval    time.Duration
	DepositLookback time.Duration
}

// Service содержит бизнес-логику сервиса криптоинвойсов.
type Service struct {
	repo     Repository
	exch     Exchange
	notifier Notifier
	logger   *zap.Logger

	tolerance    float64
	pollInterval time.Duration
	lookback     time.Duration

	// Защита от перекрывающихся тиков сверки.
	tickRunning atomic.Bool

	// Взаимное исключение ручной верификации и автоматического тика
	// по каждому инвойсу.
	locks invoiceLocks
}

// NewService создаёт сервис с указанными зависимостями и настройками.
func NewService(repo Repository, exch Exchange, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if opts.Tolerance <= 0 {
		opts.Tolerance = matching.DefaultTolerance
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.DepositLookback <= 0 {
		opts.DepositLookback = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:         repo,
		exch:         exch,
		notifier:     notifier,
		logger:       logger,
		tolerance:    opts.Tolerance,
		pollInterval: opts.PollInterval,
		lookback:     opts.DepositLookback,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового оператора.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль оператора и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateClient создаёт нового клиента.
func (s *Service) CreateClient(ctx context.Context, name, email string) (int64, error) {
	if name == "" {
		return 0, errors.New("client name is required")
	}
	return s.repo.CreateClient(ctx, name, email)
}

// ListClients возвращает всех клиентов.
func (s *Service) ListClients(ctx context.Context) ([]model.Client, error) {
	return s.repo.ListClients(ctx)
}

// CreateInvoiceInput — параметры создания инвойса.
type CreateInvoiceInput struct {
	ClientID        int64
	FiatAmountCents int64
	FiatCurrency    string
	Currency        model.Currency
	Network         string
	DueDate         time.Time
}

// CreateInvoice создаёт инвойс и пытается сразу выставить его: получить
// адрес депозита и зафиксировать снапшот курса. Если биржа недоступна,
// инвойс остаётся в CREATED и может быть выставлен позже через IssueInvoice.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*model.Invoice, error) {
	if !model.IsSupportedCurrency(in.Currency) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, in.Currency)
	}
	if in.FiatAmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.Network == "" {
		in.Network = string(in.Currency)
	}
	if in.FiatCurrency == "" {
		in.FiatCurrency = "USD"
	}

	if _, err := s.repo.GetClient(ctx, in.ClientID); err != nil {
		return nil, err
	}

	inv := &model.Invoice{
		ClientID:        in.ClientID,
		FiatAmountCents: in.FiatAmountCents,
		FiatCurrency:    in.FiatCurrency,
		Currency:        in.Currency,
		Network:         in.Network,
		Status:          model.InvoiceStatusCreated,
		DueDate:         in.DueDate,
		CreatedAt:       time.Now(),
	}

	// Коллизия случайного суффикса номера крайне маловероятна, но дешёвая
	// повторная попытка снимает вопрос.
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		inv.Number = generateInvoiceNumber(inv.CreatedAt)
		inv.ID, err = s.repo.CreateInvoice(ctx, inv)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrDuplicateNumber) {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	if issueErr := s.issueInvoice(ctx, inv); issueErr != nil {
		s.logger.Warn("invoice created without deposit address",
			zap.String("number", inv.Number), zap.Error(issueErr))
	}

	return inv, nil
}

// issueInvoice назначает инвойсу адрес депозита и ожидаемую криптосумму по
// текущему курсу биржи, переводя его в SENT.
func (s *Service) issueInvoice(ctx context.Context, inv *model.Invoice) error {
	if s.exch == nil {
		return errors.New("exchange client not configured")
	}

	price, err := s.exch.GetPrice(ctx, string(inv.Currency), inv.FiatCurrency)
	if err != nil {
		return fmt.Errorf("price snapshot: %w", err)
	}

	address, err := s.exch.GetDepositAddress(ctx, string(inv.Currency), inv.Network)
	if err != nil {
		return fmt.Errorf("deposit address: %w", err)
	}

	expected := float64(inv.FiatAmountCents) / 100 / price

	if err := s.repo.AssignDepositAddress(ctx, inv.ID, address, expected, price); err != nil {
		return err
	}

	inv.DepositAddress = address
	inv.ExpectedAmount = expected
	inv.PriceSnapshot = price
	inv.Status = model.InvoiceStatusSent
	return nil
}

// IssueInvoice повторяет выставление инвойса, оставшегося в CREATED.
func (s *Service) IssueInvoice(ctx context.Context, number string) (*model.Invoice, error) {
	inv, err := s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	if inv.Status != model.InvoiceStatusCreated {
		return inv, nil
	}

	if err := s.issueInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoice возвращает инвойс и привязанные к нему транзакции.
func (s *Service) GetInvoice(ctx context.Context, number string) (*model.Invoice, []model.PaymentTransaction, error) {
	inv, err := s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}

	txs, err := s.repo.GetTransactionsByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, nil, err
	}

	return inv, txs, nil
}

// ListInvoices возвращает инвойсы клиента.
func (s *Service) ListInvoices(ctx context.Context, clientID int64) ([]model.Invoice, error) {
	return s.repo.ListInvoicesByClient(ctx, clientID)
}

// CancelInvoice отменяет инвойс. Оплаченный инвойс отменить нельзя;
// повторная отмена — no-op.
func (s *Service) CancelInvoice(ctx context.Context, number string) (*model.Invoice, error) {
	inv, err := s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(inv.ID)
	defer unlock()

	inv, err = s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	switch inv.Status {
	case model.InvoiceStatusPaid:
		return nil, ErrInvoiceClosed
	case model.InvoiceStatusCancelled:
		return inv, nil
	}

	changed, err := s.repo.UpdateInvoiceStatus(ctx, inv.ID, inv.Status, model.InvoiceStatusCancelled)
	if err != nil {
		return nil, err
	}
	if changed {
		inv.Status = model.InvoiceStatusCancelled
	}
	return inv, nil
}

// VerifyManually выполняет внеочередную верификацию платежа по указанному
// идентификатору транзакции. Применяется та же логика сопоставления и
// подтверждений, что и в автоматическом тике, поэтому конечное состояние
// совпадает с автоматическим обнаружением.
func (s *Service) VerifyManually(ctx context.Context, number, txID string) (*model.Invoice, error) {
	inv, err := s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(inv.ID)
	defer unlock()

	// Перечитываем после захвата блокировки: тик мог успеть продвинуть статус.
	inv, err = s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	// Явный страж идемпотентности: уже оплаченный инвойс не переоткрывается
	// и повторная верификация не порождает событий.
	if inv.Status == model.InvoiceStatusPaid {
		return inv, nil
	}
	if inv.Status == model.InvoiceStatusCancelled {
		return nil, ErrInvoiceClosed
	}
	if inv.DepositAddress == "" {
		return nil, ErrInvoiceNotIssued
	}

	if existing, lookupErr := s.repo.GetTransactionByTxID(ctx, txID); lookupErr == nil {
		if existing.InvoiceID != inv.ID {
			return nil, ErrDuplicateTransaction
		}
	} else if !errors.Is(lookupErr, repository.ErrTransactionNotRecorded) {
		return nil, lookupErr
	}

	rec, err := s.exch.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	if !matching.AddressMatches(inv.DepositAddress, rec.Address) {
		return nil, ErrPaymentMismatch
	}

	changes, _, err := s.applyDeposit(ctx, inv, rec, model.TxSourceManual)
	if err != nil {
		if errors.Is(err, errExcessDeposit) {
			return nil, ErrPaymentMismatch
		}
		return nil, err
	}

	confirmChanges, err := s.advanceConfirmations(ctx, inv, map[string]exchange.DepositRecord{rec.TxID: *rec})
	if err != nil {
		s.logger.Warn("manual verification: confirmation check incomplete",
			zap.String("number", inv.Number), zap.Error(err))
	}
	changes = append(changes, confirmChanges...)

	s.dispatch(ctx, changes)

	return inv, nil
}

// PollingLog возвращает последние записи журнала сверки.
func (s *Service) PollingLog(ctx context.Context, limit int) ([]model.PollingLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListPollingLog(ctx, limit)
}

// Stats возвращает сводную статистику по инвойсам.
func (s *Service) Stats(ctx context.Context) (*model.Stats, error) {
	return s.repo.GetStats(ctx)
}

// dispatch передаёт события уведомлений после того, как все переходы уже
// сохранены в БД. Доставка не блокирует вызывающего и не возвращает ошибок.
func (s *Service) dispatch(ctx context.Context, changes []model.StateChange) {
	if s.notifier == nil {
		return
	}
	for _, change := range changes {
		s.notifier.Notify(ctx, change)
	}
}

const numberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateInvoiceNumber формирует номер вида INV-YYYYMMDD-XXXX со случайным
// суффиксом из однозначно читаемого алфавита.
func generateInvoiceNumber(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand на практике не падает; запасной вариант детерминирован
		// по времени и будет отвергнут БД при коллизии.
		n := now.UnixNano()
		for i := range buf {
			buf[i] = byte(n >> (8 * i))
		}
	}

	suffix := make([]byte, 4)
	for i, b := range buf {
		suffix[i] = numberAlphabet[int(b)%len(numberAlphabet)]
	}

	return fmt.Sprintf("INV-%s-%s", now.Format("20060102"), string(suffix))
}

// invoiceLocks — набор мьютексов по идентификатору инвойса.
type invoiceLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (l *invoiceLocks) lock(id int64) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
