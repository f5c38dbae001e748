// Package model содержит доменные сущности сервиса криптоинвойсов.
package model

import "time"

// User представляет оператора сервиса с доступом к API.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Client представляет контрагента, которому выставляются инвойсы.
type Client struct {
	ID        int64
	Name      string
	Email     string
	CreatedAt time.Time
}

// Currency описывает поддерживаемую криптовалюту инвойса.
type Currency string

const (
	CurrencyBTC  Currency = "BTC"
	CurrencyUSDT Currency = "USDT"
	CurrencyTAO  Currency = "TAO"
)

// Пороги подтверждений фиксированы для каждой валюты и не настраиваются per-invoice.
var confirmationThresholds = map[Currency]int{
	CurrencyBTC:  3,
	CurrencyUSDT: 20,
	CurrencyTAO:  12,
}

// ConfirmationThreshold возвращает минимальное число подтверждений в сети,
// после которого платёж в указанной валюте считается финальным.
func ConfirmationThreshold(c Currency) (int, bool) {
	n, ok := confirmationThresholds[c]
	return n, ok
}

// IsSupportedCurrency сообщает, поддерживается ли валюта сервисом.
func IsSupportedCurrency(c Currency) bool {
	_, ok := confirmationThresholds[c]
	return ok
}

// InvoiceStatus описывает статус жизненного цикла инвойса.
type InvoiceStatus string

const (
	InvoiceStatusCreated         InvoiceStatus = "CREATED"
	InvoiceStatusSent            InvoiceStatus = "SENT"
	InvoiceStatusPartiallyPaid   InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaymentDetected InvoiceStatus = "PAYMENT_DETECTED"
	InvoiceStatusPaid            InvoiceStatus = "PAID"
	InvoiceStatusCancelled       InvoiceStatus = "CANCELLED"

	// InvoiceStatusOverdue — производный статус для отображения. Никогда не
	// сохраняется в БД: оплата после срока всё равно приводит инвойс в PAID.
	InvoiceStatusOverdue InvoiceStatus = "OVERDUE"
)

// Invoice описывает выставленный инвойс и ожидаемый криптоплатёж.
type Invoice struct {
	ID       int64
	Number   string
	ClientID int64

	// Фиатная сумма хранится в центах.
	FiatAmountCents int64
	FiatCurrency    string

	// Валюта и сеть фиксируются при создании и не меняются.
	Currency Currency
	Network  string

	// Адрес депозита назначается при выставлении и далее неизменен.
	DepositAddress string

	// Ожидаемая криптосумма, рассчитанная по снапшоту курса на момент создания.
	ExpectedAmount float64
	PriceSnapshot  float64

	Status    InvoiceStatus
	DueDate   time.Time
	CreatedAt time.Time
	PaidAt    *time.Time
}

// IsOpen сообщает, отслеживается ли инвойс движком сверки.
func (i *Invoice) IsOpen() bool {
	switch i.Status {
	case InvoiceStatusSent, InvoiceStatusPartiallyPaid, InvoiceStatusPaymentDetected:
		return true
	}
	return false
}

// EffectiveStatus возвращает статус для отображения: открытый инвойс с
// истёкшим сроком классифицируется как OVERDUE на момент запроса.
func (i *Invoice) EffectiveStatus(now time.Time) InvoiceStatus {
	if i.IsOpen() && !i.DueDate.IsZero() && now.After(i.DueDate) {
		return InvoiceStatusOverdue
	}
	return i.Status
}

// TxSource указывает, каким путём транзакция была привязана к инвойсу.
type TxSource string

const (
	TxSourceAuto   TxSource = "auto"
	TxSourceManual TxSource = "manual"
)

// PaymentTransaction описывает входящую транзакцию, привязанную к инвойсу.
// Идентификатор транзакции глобально уникален: повторная обработка того же
// депозита не создаёт дубликат и не продвигает статус повторно.
type PaymentTransaction struct {
	ID            int64
	InvoiceID     int64
	TxID          string
	Amount        float64
	Confirmations int
	Source        TxSource
	FirstSeenAt   time.Time
}

// PollingLogEntry — append-only запись об одном тике сверки.
type PollingLogEntry struct {
	ID               int64
	StartedAt        time.Time
	FinishedAt       time.Time
	InvoicesChecked  int
	AddressesChecked int
	DepositsMatched  int
	Errors           []string
}

// Notification — сохранённое уведомление о переходе статуса.
type Notification struct {
	ID        int64
	InvoiceID int64
	Event     string
	Message   string
	CreatedAt time.Time
}

// Имена событий, порождаемых движком сверки.
const (
	EventPaymentDetected  = "payment_detected"
	EventPartialPayment   = "partial_payment"
	EventPaymentConfirmed = "payment_confirmed"
)

// StateChange описывает переход статуса инвойса, о котором нужно уведомить.
type StateChange struct {
	InvoiceID     int64
	InvoiceNumber string
	From          InvoiceStatus
	To            InvoiceStatus
	Event         string
	TxID          string
	Amount        float64
}

// Stats содержит сводную статистику по инвойсам для дашборда.
type Stats struct {
	ByStatus      map[InvoiceStatus]int64
	PaidFiatCents int64
	OpenFiatCents int64
	TotalInvoices int64
	TotalPayments int64
}
