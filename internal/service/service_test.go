package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/exchange"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/model"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/repository"
)

// fakeRepo — хранилище в памяти с той же семантикой охраняемых переходов,
// что и у Postgres-репозитория.
type fakeRepo struct {
	mu sync.Mutex

	users    map[string]*model.User
	clients  map[int64]*model.Client
	invoices map[int64]*model.Invoice
	byNumber map[string]int64
	txs      map[string]*model.PaymentTransaction
	log      []model.PollingLogEntry

	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[string]*model.User),
		clients:  make(map[int64]*model.Client),
		invoices: make(map[int64]*model.Invoice),
		byNumber: make(map[string]int64),
		txs:      make(map[string]*model.PaymentTransaction),
	}
}

func (f *fakeRepo) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[login]; ok {
		return 0, repository.ErrUserExists
	}
	u := &model.User{ID: f.id(), Login: login, PasswordHash: passwordHash}
	f.users[login] = u
	return u.ID, nil
}

func (f *fakeRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[login]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeRepo) CreateClient(ctx context.Context, name, email string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &model.Client{ID: f.id(), Name: name, Email: email}
	f.clients[c.ID] = c
	return c.ID, nil
}

func (f *fakeRepo) GetClient(ctx context.Context, id int64) (*model.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return nil, repository.ErrClientNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeRepo) ListClients(ctx context.Context) ([]model.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeRepo) CreateInvoice(ctx context.Context, inv *model.Invoice) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byNumber[inv.Number]; ok {
		return 0, repository.ErrDuplicateNumber
	}
	copied := *inv
	copied.ID = f.id()
	f.invoices[copied.ID] = &copied
	f.byNumber[copied.Number] = copied.ID
	return copied.ID, nil
}

func (f *fakeRepo) AssignDepositAddress(ctx context.Context, id int64, address string, expectedAmount, priceSnapshot float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return repository.ErrInvoiceNotFound
	}
	inv.DepositAddress = address
	inv.ExpectedAmount = expectedAmount
	inv.PriceSnapshot = priceSnapshot
	inv.Status = model.InvoiceStatusSent
	return nil
}

func (f *fakeRepo) GetInvoiceByNumber(ctx context.Context, number string) (*model.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byNumber[number]
	if !ok {
		return nil, repository.ErrInvoiceNotFound
	}
	copied := *f.invoices[id]
	return &copied, nil
}

func (f *fakeRepo) ListInvoicesByClient(ctx context.Context, clientID int64) ([]model.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Invoice
	for _, inv := range f.invoices {
		if inv.ClientID == clientID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetOpenInvoices(ctx context.Context) ([]model.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Invoice
	for _, inv := range f.invoices {
		switch inv.Status {
		case model.InvoiceStatusSent, model.InvoiceStatusPartiallyPaid, model.InvoiceStatusPaymentDetected:
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateInvoiceStatus(ctx context.Context, id int64, from, to model.InvoiceStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok || inv.Status != from {
		return false, nil
	}
	inv.Status = to
	return true, nil
}

func (f *fakeRepo) MarkInvoicePaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return false, nil
	}
	switch inv.Status {
	case model.InvoiceStatusSent, model.InvoiceStatusPartiallyPaid, model.InvoiceStatusPaymentDetected:
		inv.Status = model.InvoiceStatusPaid
		inv.PaidAt = &paidAt
		return true, nil
	}
	return false, nil
}

func (f *fakeRepo) CreateTransaction(ctx context.Context, t *model.PaymentTransaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[t.TxID]; ok {
		return false, nil
	}
	copied := *t
	copied.ID = f.id()
	copied.FirstSeenAt = time.Now()
	f.txs[copied.TxID] = &copied
	return true, nil
}

func (f *fakeRepo) GetTransactionByTxID(ctx context.Context, txID string) (*model.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[txID]
	if !ok {
		return nil, repository.ErrTransactionNotRecorded
	}
	copied := *t
	return &copied, nil
}

func (f *fakeRepo) GetTransactionsByInvoice(ctx context.Context, invoiceID int64) ([]model.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PaymentTransaction
	for _, t := range f.txs {
		if t.InvoiceID == invoiceID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateTransactionConfirmations(ctx context.Context, txID string, confirmations int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[txID]
	if !ok {
		return repository.ErrTransactionNotRecorded
	}
	t.Confirmations = confirmations
	return nil
}

func (f *fakeRepo) InsertPollingLogEntry(ctx context.Context, entry *model.PollingLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, *entry)
	return nil
}

func (f *fakeRepo) ListPollingLog(ctx context.Context, limit int) ([]model.PollingLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.log) {
		limit = len(f.log)
	}
	out := make([]model.PollingLogEntry, limit)
	copy(out, f.log[len(f.log)-limit:])
	return out, nil
}

func (f *fakeRepo) GetStats(ctx context.Context) (*model.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &model.Stats{ByStatus: make(map[model.InvoiceStatus]int64)}
	for _, inv := range f.invoices {
		stats.ByStatus[inv.Status]++
		stats.TotalInvoices++
		if inv.Status == model.InvoiceStatusPaid {
			stats.PaidFiatCents += inv.FiatAmountCents
		}
	}
	stats.TotalPayments = int64(len(f.txs))
	return stats, nil
}

// fakeExchange — клиент биржи в памяти. Депозиты группируются по ключу
// "валюта/сеть", как и реальные запросы к бирже.
type fakeExchange struct {
	mu sync.Mutex

	price      float64
	priceErr   error
	address    string
	addressErr error

	deposits map[string][]exchange.DepositRecord
	listErr  map[string]error

	listCalls map[string]int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		price:     100000,
		address:   "addr-1",
		deposits:  make(map[string][]exchange.DepositRecord),
		listErr:   make(map[string]error),
		listCalls: make(map[string]int),
	}
}

func groupKey(coin, network string) string { return coin + "/" + network }

func (f *fakeExchange) GetDepositAddress(ctx context.Context, coin, network string) (string, error) {
	return f.address, f.addressErr
}

func (f *fakeExchange) ListDeposits(ctx context.Context, coin, network string, since time.Time) ([]exchange.DepositRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := groupKey(coin, network)
	f.listCalls[key]++
	if err := f.listErr[key]; err != nil {
		return nil, err
	}
	return append([]exchange.DepositRecord(nil), f.deposits[key]...), nil
}

func (f *fakeExchange) GetTransaction(ctx context.Context, txID string) (*exchange.DepositRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, recs := range f.deposits {
		for _, rec := range recs {
			if rec.TxID == txID {
				copied := rec
				return &copied, nil
			}
		}
	}
	return nil, exchange.ErrNotFound
}

func (f *fakeExchange) GetPrice(ctx context.Context, coin, fiat string) (float64, error) {
	return f.price, f.priceErr
}

// recordingNotifier накапливает события для проверок.
type recordingNotifier struct {
	mu      sync.Mutex
	changes []model.StateChange
}

func (n *recordingNotifier) Notify(ctx context.Context, change model.StateChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) events() []model.StateChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.StateChange(nil), n.changes...)
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeExchange, *recordingNotifier) {
	t.Helper()
	repo := newFakeRepo()
	exch := newFakeExchange()
	notif := &recordingNotifier{}
	svc := NewService(repo, exch, notif, nil, Options{})
	return svc, repo, exch, notif
}

func mustCreateInvoice(t *testing.T, svc *Service, repo *fakeRepo, cents int64, currency model.Currency) *model.Invoice {
	t.Helper()

	clientID, err := repo.CreateClient(context.Background(), "ACME", "billing@acme.test")
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		ClientID:        clientID,
		FiatAmountCents: cents,
		FiatCurrency:    "USD",
		Currency:        currency,
		DueDate:         time.Now().Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	if _, err := svc.RegisterUser(context.Background(), "login", "pass"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	if _, err := svc.RegisterUser(context.Background(), "login", "pass"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.AuthenticateUser(context.Background(), "login", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.AuthenticateUser(context.Background(), "login", "pass"); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
}

func TestCreateInvoice_UnsupportedCurrency(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		ClientID:        1,
		FiatAmountCents: 1000,
		Currency:        "DOGE",
		DueDate:         time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrUnsupportedCurrency) {
		t.Fatalf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestCreateInvoice_InvalidAmount(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		ClientID:        1,
		FiatAmountCents: 0,
		Currency:        model.CurrencyBTC,
		DueDate:         time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreateInvoice_IssuedImmediately(t *testing.T) {
	svc, repo, exch, _ := newTestService(t)
	exch.price = 50000
	exch.address = "bc1qinvoice"

	inv := mustCreateInvoice(t, svc, repo, 250000, model.CurrencyBTC)

	if inv.Status != model.InvoiceStatusSent {
		t.Fatalf("status = %s, want %s", inv.Status, model.InvoiceStatusSent)
	}
	if inv.DepositAddress != "bc1qinvoice" {
		t.Fatalf("deposit address = %q", inv.DepositAddress)
	}
	// 2500 USD / 50000 USD за BTC = 0.05 BTC.
	if inv.ExpectedAmount != 0.05 {
		t.Fatalf("expected amount = %v, want 0.05", inv.ExpectedAmount)
	}
	if inv.PriceSnapshot != 50000 {
		t.Fatalf("price snapshot = %v, want 50000", inv.PriceSnapshot)
	}
}

func TestCreateInvoice_ExchangeDownStaysCreated(t *testing.T) {
	svc, repo, exch, _ := newTestService(t)
	exch.priceErr = exchange.ErrUnavailable

	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	if inv.Status != model.InvoiceStatusCreated {
		t.Fatalf("status = %s, want %s", inv.Status, model.InvoiceStatusCreated)
	}
	if inv.DepositAddress != "" {
		t.Fatalf("deposit address must be empty, got %q", inv.DepositAddress)
	}

	// Биржа восстановилась: повторное выставление переводит инвойс в SENT.
	exch.priceErr = nil
	issued, err := svc.IssueInvoice(context.Background(), inv.Number)
	if err != nil {
		t.Fatalf("issue invoice: %v", err)
	}
	if issued.Status != model.InvoiceStatusSent {
		t.Fatalf("status after issue = %s, want %s", issued.Status, model.InvoiceStatusSent)
	}
}

func TestCancelInvoice(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	cancelled, err := svc.CancelInvoice(context.Background(), inv.Number)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.InvoiceStatusCancelled {
		t.Fatalf("status = %s, want %s", cancelled.Status, model.InvoiceStatusCancelled)
	}

	// Повторная отмена — no-op.
	again, err := svc.CancelInvoice(context.Background(), inv.Number)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != model.InvoiceStatusCancelled {
		t.Fatalf("status = %s, want %s", again.Status, model.InvoiceStatusCancelled)
	}
}

func TestCancelInvoice_PaidRejected(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	if _, err := repo.MarkInvoicePaid(context.Background(), inv.ID, time.Now()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	_, err := svc.CancelInvoice(context.Background(), inv.Number)
	if !errors.Is(err, ErrInvoiceClosed) {
		t.Fatalf("expected ErrInvoiceClosed, got %v", err)
	}
}

func TestVerifyManually_TransactionNotFound(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	_, err := svc.VerifyManually(context.Background(), inv.Number, "deadbeef00000001")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}

	// Состояние инвойса не изменилось.
	got, getErr := repo.GetInvoiceByNumber(context.Background(), inv.Number)
	if getErr != nil {
		t.Fatalf("get invoice: %v", getErr)
	}
	if got.Status != model.InvoiceStatusSent {
		t.Fatalf("status = %s, want %s", got.Status, model.InvoiceStatusSent)
	}
}

func TestVerifyManually_AddressMismatch(t *testing.T) {
	svc, repo, exch, _ := newTestService(t)
	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	exch.deposits[groupKey("BTC", "BTC")] = []exchange.DepositRecord{
		{TxID: "deadbeef00000001", Coin: "BTC", Network: "BTC", Address: "other-address", Amount: inv.ExpectedAmount, Confirmations: 3},
	}

	_, err := svc.VerifyManually(context.Background(), inv.Number, "deadbeef00000001")
	if !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
}

func TestVerifyManually_ExcessAmountMismatch(t *testing.T) {
	svc, repo, exch, _ := newTestService(t)
	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	exch.deposits[groupKey("BTC", "BTC")] = []exchange.DepositRecord{
		{TxID: "deadbeef00000002", Coin: "BTC", Network: "BTC", Address: inv.DepositAddress, Amount: inv.ExpectedAmount * 1.1, Confirmations: 3},
	}

	_, err := svc.VerifyManually(context.Background(), inv.Number, "deadbeef00000002")
	if !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}

	if _, lookupErr := repo.GetTransactionByTxID(context.Background(), "deadbeef00000002"); !errors.Is(lookupErr, repository.ErrTransactionNotRecorded) {
		t.Fatalf("excess deposit must not be linked, got %v", lookupErr)
	}
}

func TestVerifyManually_DuplicateTransaction(t *testing.T) {
	svc, repo, exch, _ := newTestService(t)
	first := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	exch.address = "addr-2"
	second := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	exch.deposits[groupKey("BTC", "BTC")] = []exchange.DepositRecord{
		{TxID: "deadbeef00000003", Coin: "BTC", Network: "BTC", Address: first.DepositAddress, Amount: first.ExpectedAmount, Confirmations: 3},
	}

	if _, err := svc.VerifyManually(context.Background(), first.Number, "deadbeef00000003"); err != nil {
		t.Fatalf("verify on first invoice: %v", err)
	}

	_, err := svc.VerifyManually(context.Background(), second.Number, "deadbeef00000003")
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
}

func TestVerifyManually_PaidIsNoop(t *testing.T) {
	svc, repo, exch, notif := newTestService(t)
	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	exch.deposits[groupKey("BTC", "BTC")] = []exchange.DepositRecord{
		{TxID: "deadbeef00000004", Coin: "BTC", Network: "BTC", Address: inv.DepositAddress, Amount: inv.ExpectedAmount, Confirmations: 3},
	}

	if _, err := svc.VerifyManually(context.Background(), inv.Number, "deadbeef00000004"); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	got, err := repo.GetInvoiceByNumber(context.Background(), inv.Number)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.InvoiceStatusPaid {
		t.Fatalf("status = %s, want %s", got.Status, model.InvoiceStatusPaid)
	}

	eventsBefore := len(notif.events())

	// Повторная верификация оплаченного инвойса не меняет состояние и не
	// порождает событий.
	again, err := svc.VerifyManually(context.Background(), inv.Number, "deadbeef00000004")
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.Status != model.InvoiceStatusPaid {
		t.Fatalf("status = %s, want %s", again.Status, model.InvoiceStatusPaid)
	}
	if len(notif.events()) != eventsBefore {
		t.Fatalf("repeat verification must not emit events")
	}
}

func TestVerifyManually_NotIssued(t *testing.T) {
	svc, repo, exch, _ := newTestService(t)
	exch.priceErr = exchange.ErrUnavailable
	inv := mustCreateInvoice(t, svc, repo, 100000, model.CurrencyBTC)

	_, err := svc.VerifyManually(context.Background(), inv.Number, "deadbeef00000005")
	if !errors.Is(err, ErrInvoiceNotIssued) {
		t.Fatalf("expected ErrInvoiceNotIssued, got %v", err)
	}
}

func TestGenerateInvoiceNumberFormat(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	number := generateInvoiceNumber(now)

	if len(number) != 17 {
		t.Fatalf("number length = %d, want 17: %q", len(number), number)
	}
	if number[:13] != "INV-20260830-" {
		t.Fatalf("number prefix = %q", number[:13])
	}
	for _, c := range number[13:] {
		if !containsRune(numberAlphabet, c) {
			t.Fatalf("suffix character %q not in alphabet", c)
		}
	}
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
