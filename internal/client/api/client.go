// Package api - клиент causal repo сервера: HTTP для служебных запросов и
// websocket для команд.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/causalrepo/pkg/api"
)

// Client представляет клиент для взаимодействия с сервером
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	baseURL    string
	token      string
}

// NewClient создает новый клиент. token может быть пустым, если сервер
// допускает анонимные устройства.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// HealthStatus - ответ GET /healthz
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health запрашивает состояние сервера
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", &status); err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	return &status, nil
}

// Connect открывает websocket соединение с сервером
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: server responded %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c.logger.Debug("Connected", "url", wsURL)
	return newConn(ws, c.logger), nil
}

// websocketURL переводит http(s) адрес сервера в адрес /ws
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// health отвечает 503 с телом, которое тоже нужно разобрать
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// ServerError - событие error, полученное в ответ на команду
type ServerError struct {
	Command string
	Branch  string
	Message string
}

func (e *ServerError) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("%s %s: %s", e.Command, e.Branch, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// Ошибки ответов commit-created, checked-out и restored
var (
	ErrBranchNotFound = errors.New("branch not found")
	ErrCommitNotFound = errors.New("commit not found")
)

// replyError переводит код ошибки из ответа в sentinel ошибку
func replyError(code string) error {
	switch code {
	case "":
		return nil
	case api.ErrorBranchNotFound:
		return ErrBranchNotFound
	case api.ErrorCommitNotFound:
		return ErrCommitNotFound
	default:
		return fmt.Errorf("server error: %s", code)
	}
}
