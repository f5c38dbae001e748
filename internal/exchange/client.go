// Package exchange предоставляет клиент REST API биржи для работы с депозитами.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable возвращается при сетевых ошибках и ответах 5xx. Запрос не
// повторяется внутри тика: интервал таймера сверки служит бэкоффом.
var (
	ErrUnavailable = errors.New("exchange unavailable")
	// ErrAuth возвращается при ошибках аутентификации (401/403).
	ErrAuth = errors.New("exchange authentication failed")
	// ErrNotFound возвращается, если транзакция неизвестна бирже.
	ErrNotFound = errors.New("transaction not found")
)

// RateLimitError возвращается при ответе 429 и содержит интервал ожидания,
// сообщённый биржей в заголовке Retry-After.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("exchange rate limit exceeded, retry after %s", e.RetryAfter)
}

// DepositRecord — нормализованная запись о входящем депозите по данным биржи.
type DepositRecord struct {
	TxID          string  `json:"txId"`
	Coin          string  `json:"coin"`
	Network       string  `json:"network"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount,string"`
	Confirmations int     `json:"confirmations"`
	InsertedAt    int64   `json:"insertTime"`
}

// Client инкапсулирует HTTP-взаимодействие с биржей и подпись запросов.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  []byte
	httpClient *http.Client
}

// NewClient создаёт клиент биржи с указанным адресом и ключами API.
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// sign добавляет к параметрам запроса временную метку и подпись HMAC-SHA256
// по строке параметров, как того требует схема авторизации биржи.
func (c *Client) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	mac := hmac.New(sha256.New, c.apiSecret)
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	return params
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("exchange client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	if signed {
		params = c.sign(params)
	}

	reqURL := base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if signed {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetDepositAddress запрашивает у биржи адрес депозита для валюты и сети.
func (c *Client) GetDepositAddress(ctx context.Context, coin, network string) (string, error) {
	params := url.Values{}
	params.Set("coin", coin)
	params.Set("network", network)

	var result struct {
		Coin    string `json:"coin"`
		Address string `json:"address"`
		Tag     string `json:"tag"`
	}
	if err := c.get(ctx, "/api/v1/capital/deposit/address", params, true, &result); err != nil {
		return "", err
	}
	if result.Address == "" {
		return "", fmt.Errorf("empty deposit address for %s/%s", coin, network)
	}
	return result.Address, nil
}

// ListDeposits возвращает историю депозитов по валюте и сети начиная с указанного времени.
func (c *Client) ListDeposits(ctx context.Context, coin, network string, since time.Time) ([]DepositRecord, error) {
	params := url.Values{}
	params.Set("coin", coin)
	params.Set("network", network)
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))

	var records []DepositRecord
	if err := c.get(ctx, "/api/v1/capital/deposit/history", params, true, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetTransaction запрашивает один депозит по идентификатору транзакции.
// Возвращает ErrNotFound, если транзакция неизвестна бирже.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*DepositRecord, error) {
	params := url.Values{}
	params.Set("txId", txID)

	var records []DepositRecord
	if err := c.get(ctx, "/api/v1/capital/deposit/history", params, true, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}

// GetPrice возвращает текущую цену валюты в фиате с публичного тикера биржи.
func (c *Client) GetPrice(ctx context.Context, coin, fiat string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", coin+fiat)

	var result struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.get(ctx, "/api/v1/ticker/price", params, false, &result); err != nil {
		return 0, err
	}

	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", result.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price for %s: %v", result.Symbol, price)
	}
	return price, nil
}
