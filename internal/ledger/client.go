// Package ledger предоставляет клиент внешнего реестра (блокчейна).
// Реестр — единственный источник истины о расчётах; клиент только читает
// статус включения транзакций и опубликованные значения мэппингов.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotFound возвращается, когда реестр не знает транзакцию.
// Это не сбой: отсутствие подтверждения не доказывает провал.
var (
	ErrNotFound = errors.New("transaction not found in ledger")
	// ErrUnavailable возвращается после исчерпания повторов при сетевых
	// сбоях или ошибках узла; отличается от "реестр ответил not found".
	ErrUnavailable = errors.New("ledger unavailable")
)

// Transaction описывает ответ узла реестра по одной транзакции.
type Transaction struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Client инкапсулирует HTTP-взаимодействие с узлом внешнего реестра.
// Временные сетевые сбои повторяются самим клиентом; после исчерпания
// повторов наружу выходит ErrUnavailable.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент реестра по указанному адресу узла.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 500 * time.Millisecond
	c.Logger = nil
	c.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("ledger client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return body, nil
}

// GetTransaction запрашивает транзакцию по идентификатору.
// Успешный ответ означает, что транзакция включена в реестр.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	body, err := c.get(ctx, "/testnet/transaction/"+id)
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.ID == "" {
		tx.ID = id
	}

	return &tx, nil
}

// GetLatestHeight возвращает высоту последнего блока реестра.
func (c *Client) GetLatestHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/testnet/latest/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse height: %w", err)
	}

	return height, nil
}

// GetMappingValue возвращает опубликованное значение мэппинга программы,
// например агрегированные публичные суммы.
func (c *Client) GetMappingValue(ctx context.Context, program, mapping, key string) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("/testnet/program/%s/mapping/%s/%s", program, mapping, key))
	if err != nil {
		return "", err
	}

	// Узел отдаёт значение JSON-строкой; отсутствие значения — null.
	var value *string
	if err := json.Unmarshal(body, &value); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	if value == nil {
		return "", ErrNotFound
	}

	return *value, nil
}
