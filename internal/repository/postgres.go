// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать оператора с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если оператор не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrClientNotFound возвращается, если клиент не найден.
	ErrClientNotFound = errors.New("client not found")
	// ErrInvoiceNotFound возвращается, если инвойс не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrDuplicateNumber возвращается при коллизии номера инвойса.
	ErrDuplicateNumber = errors.New("invoice number already exists")
	// ErrAddressInUse возвращается, если адрес депозита уже занят другим открытым инвойсом.
	ErrAddressInUse = errors.New("deposit address already used by an open invoice")
	// ErrTransactionNotRecorded возвращается, если транзакция не привязана ни к одному инвойсу.
	ErrTransactionNotRecorded = errors.New("transaction not recorded")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// База может подниматься параллельно с сервисом, поэтому первый ping
	// повторяется с экспоненциальной задержкой.
	backoff := retry.WithMaxRetries(4, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяются только сериализационные сбои, дедлоки и сетевые обрывы.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового оператора.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает оператора по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreateClient создаёт нового клиента.
func (r *PostgresRepository) CreateClient(ctx context.Context, name, email string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO clients (name, email) VALUES ($1, $2) RETURNING id`,
		name, email,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create client: %w", err)
	}
	return id, nil
}

// GetClient возвращает клиента по идентификатору.
func (r *PostgresRepository) GetClient(ctx context.Context, id int64) (*model.Client, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, created_at FROM clients WHERE id = $1`,
		id,
	)

	var c model.Client
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

// ListClients возвращает всех клиентов.
func (r *PostgresRepository) ListClients(ctx context.Context) ([]model.Client, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, email, created_at FROM clients ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select clients: %w", err)
	}
	defer rows.Close()

	var res []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

const invoiceColumns = `id, number, client_id, fiat_amount_cents, fiat_currency,
	currency, network, COALESCE(deposit_address, ''), expected_amount, price_snapshot,
	status, due_date, created_at, paid_at`

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var (
		inv      model.Invoice
		currency string
		status   string
	)
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.ClientID, &inv.FiatAmountCents, &inv.FiatCurrency,
		&currency, &inv.Network, &inv.DepositAddress, &inv.ExpectedAmount, &inv.PriceSnapshot,
		&status, &inv.DueDate, &inv.CreatedAt, &inv.PaidAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Currency = model.Currency(currency)
	inv.Status = model.InvoiceStatus(status)
	return &inv, nil
}

// CreateInvoice сохраняет новый инвойс в статусе CREATED и возвращает его идентификатор.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *model.Invoice) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO invoices (number, client_id, fiat_amount_cents, fiat_currency, currency, network, status, due_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		inv.Number, inv.ClientID, inv.FiatAmountCents, inv.FiatCurrency,
		string(inv.Currency), inv.Network, string(model.InvoiceStatusCreated), inv.DueDate,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateNumber, inv.Number)
		}
		return 0, fmt.Errorf("insert invoice: %w", err)
	}
	return id, nil
}

// AssignDepositAddress назначает инвойсу адрес депозита и снапшот курса,
// переводя его из CREATED в SENT. Частичный уникальный индекс по открытым
// инвойсам гарантирует, что адрес не занят другим открытым инвойсом.
func (r *PostgresRepository) AssignDepositAddress(ctx context.Context, id int64, address string, expectedAmount, priceSnapshot float64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE invoices
			 SET deposit_address = $2, expected_amount = $3, price_snapshot = $4, status = $5
			 WHERE id = $1 AND status = $6`,
			id, address, expectedAmount, priceSnapshot,
			string(model.InvoiceStatusSent), string(model.InvoiceStatusCreated),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrAddressInUse, address)
			}
			return fmt.Errorf("assign deposit address: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrInvoiceNotFound
		}
		return nil
	})
}

// GetInvoiceByNumber возвращает инвойс по его номеру.
func (r *PostgresRepository) GetInvoiceByNumber(ctx context.Context, number string) (*model.Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE number = $1`,
		number,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (r *PostgresRepository) queryInvoices(ctx context.Context, query string, args ...any) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		res = append(res, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListInvoicesByClient возвращает инвойсы указанного клиента. Клиентская
// область видимости передаётся явно в каждый вызов, никакого неявного
// "текущего клиента" в хранилище нет.
func (r *PostgresRepository) ListInvoicesByClient(ctx context.Context, clientID int64) ([]model.Invoice, error) {
	return r.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE client_id = $1 ORDER BY created_at DESC`,
		clientID,
	)
}

// GetOpenInvoices возвращает инвойсы, отслеживаемые движком сверки.
func (r *PostgresRepository) GetOpenInvoices(ctx context.Context) ([]model.Invoice, error) {
	return r.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE status IN ($1, $2, $3)
		 ORDER BY created_at`,
		string(model.InvoiceStatusSent),
		string(model.InvoiceStatusPartiallyPaid),
		string(model.InvoiceStatusPaymentDetected),
	)
}

// UpdateInvoiceStatus выполняет защищённый переход статуса: строка меняется
// только если текущий статус совпадает с ожидаемым. Возвращает признак того,
// что переход состоялся; повторное применение — no-op.
func (r *PostgresRepository) UpdateInvoiceStatus(ctx context.Context, id int64, from, to model.InvoiceStatus) (bool, error) {
	var changed bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE invoices SET status = $3 WHERE id = $1 AND status = $2`,
			id, string(from), string(to),
		)
		if err != nil {
			return fmt.Errorf("update invoice status: %w", err)
		}
		changed = cmdTag.RowsAffected() == 1
		return nil
	})
	return changed, err
}

// MarkInvoicePaid переводит инвойс в PAID и фиксирует время оплаты.
// Переход идемпотентен: уже оплаченный инвойс не меняется.
func (r *PostgresRepository) MarkInvoicePaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	var changed bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE invoices SET status = $2, paid_at = $3
			 WHERE id = $1 AND status IN ($4, $5, $6)`,
			id, string(model.InvoiceStatusPaid), paidAt,
			string(model.InvoiceStatusSent),
			string(model.InvoiceStatusPartiallyPaid),
			string(model.InvoiceStatusPaymentDetected),
		)
		if err != nil {
			return fmt.Errorf("mark invoice paid: %w", err)
		}
		changed = cmdTag.RowsAffected() == 1
		return nil
	})
	return changed, err
}

// CreateTransaction привязывает транзакцию к инвойсу. Идентификатор
// транзакции глобально уникален: повторная вставка того же tx_id — no-op,
// возвращается признак фактической вставки.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.PaymentTransaction) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`INSERT INTO payment_transactions (invoice_id, tx_id, amount, confirmations, source)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tx_id) DO NOTHING`,
			t.InvoiceID, t.TxID, t.Amount, t.Confirmations, string(t.Source),
		)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		inserted = cmdTag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func scanTransaction(row pgx.Row) (*model.PaymentTransaction, error) {
	var (
		t      model.PaymentTransaction
		source string
	)
	err := row.Scan(&t.ID, &t.InvoiceID, &t.TxID, &t.Amount, &t.Confirmations, &source, &t.FirstSeenAt)
	if err != nil {
		return nil, err
	}
	t.Source = model.TxSource(source)
	return &t, nil
}

// GetTransactionByTxID возвращает привязанную транзакцию по идентификатору биржи.
func (r *PostgresRepository) GetTransactionByTxID(ctx context.Context, txID string) (*model.PaymentTransaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT id, invoice_id, tx_id, amount, confirmations, source, first_seen_at
		 FROM payment_transactions WHERE tx_id = $1`,
		txID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotRecorded
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionsByInvoice возвращает все транзакции инвойса.
func (r *PostgresRepository) GetTransactionsByInvoice(ctx context.Context, invoiceID int64) ([]model.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, invoice_id, tx_id, amount, confirmations, source, first_seen_at
		 FROM payment_transactions WHERE invoice_id = $1 ORDER BY first_seen_at`,
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// UpdateTransactionConfirmations обновляет наблюдаемое число подтверждений транзакции.
func (r *PostgresRepository) UpdateTransactionConfirmations(ctx context.Context, txID string, confirmations int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payment_transactions SET confirmations = $2 WHERE tx_id = $1`,
		txID, confirmations,
	)
	if err != nil {
		return fmt.Errorf("update confirmations: %w", err)
	}
	return nil
}

// InsertPollingLogEntry добавляет запись о тике сверки. Журнал append-only.
func (r *PostgresRepository) InsertPollingLogEntry(ctx context.Context, entry *model.PollingLogEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO polling_log (started_at, finished_at, invoices_checked, addresses_checked, deposits_matched, errors)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.StartedAt, entry.FinishedAt, entry.InvoicesChecked,
		entry.AddressesChecked, entry.DepositsMatched, entry.Errors,
	)
	if err != nil {
		return fmt.Errorf("insert polling log entry: %w", err)
	}
	return nil
}

// ListPollingLog возвращает последние записи журнала сверки.
func (r *PostgresRepository) ListPollingLog(ctx context.Context, limit int) ([]model.PollingLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, started_at, finished_at, invoices_checked, addresses_checked, deposits_matched, errors
		 FROM polling_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select polling log: %w", err)
	}
	defer rows.Close()

	var res []model.PollingLogEntry
	for rows.Next() {
		var e model.PollingLogEntry
		if err := rows.Scan(&e.ID, &e.StartedAt, &e.FinishedAt,
			&e.InvoicesChecked, &e.AddressesChecked, &e.DepositsMatched, &e.Errors); err != nil {
			return nil, fmt.Errorf("scan polling log entry: %w", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// InsertNotification сохраняет отправленное уведомление.
func (r *PostgresRepository) InsertNotification(ctx context.Context, n *model.Notification) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO notifications (invoice_id, event, message) VALUES ($1, $2, $3)`,
		n.InvoiceID, n.Event, n.Message,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetStats возвращает сводную статистику по инвойсам.
func (r *PostgresRepository) GetStats(ctx context.Context) (*model.Stats, error) {
	stats := &model.Stats{
		ByStatus: make(map[model.InvoiceStatus]int64),
	}

	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(fiat_amount_cents), 0)
		 FROM invoices GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
			cents  int64
		)
		if err := rows.Scan(&status, &count, &cents); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}

		st := model.InvoiceStatus(status)
		stats.ByStatus[st] = count
		stats.TotalInvoices += count

		switch st {
		case model.InvoiceStatusPaid:
			stats.PaidFiatCents += cents
		case model.InvoiceStatusSent, model.InvoiceStatusPartiallyPaid, model.InvoiceStatusPaymentDetected:
			stats.OpenFiatCents += cents
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_transactions`).Scan(&stats.TotalPayments)
	if err != nil {
		return nil, fmt.Errorf("count payments: %w", err)
	}

	return stats, nil
}
