package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/config"
	"im-client/internal/models"
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Message)
}

// countsAsFailure decides what trips the breaker: transport errors and 5xx.
// A 4xx is the backend working correctly.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	var ae *apperrors.AppError
	return !errors.As(err, &ae)
}

// HTTPClient talks to the REST backend with the session token. Every call
// goes through one circuit breaker.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewHTTPClient(cfg config.BackendConfig, token string, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool { return !countsAsFailure(err) },
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: cfg.Timeout},
		cb:      gobreaker.NewCircuitBreaker(st),
		log:     log,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	if err != nil {
		return translate(err)
	}
	return nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er)
		if er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: er.Error, Code: er.Code}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// translate maps 4xx answers to the app error taxonomy.
func translate(err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.StatusCode {
	case http.StatusNotFound:
		return apperrors.New(apperrors.CodeNotFound, se.Message, err)
	case http.StatusForbidden, http.StatusUnauthorized:
		return apperrors.New(apperrors.CodeForbidden, se.Message, err)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.CodeInvalidInput, se.Message, err)
	default:
		return err
	}
}

func (c *HTTPClient) CreateMessage(ctx context.Context, req CreateMessageRequest) (models.ServerMessage, error) {
	var out models.ServerMessage
	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return models.ServerMessage{}, err
	}
	return out, nil
}

func (c *HTTPClient) FetchMessages(ctx context.Context, conversationID string, limit int) ([]models.ServerMessage, error) {
	var out []models.ServerMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID, userID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, MarkReadRequest{UserID: userID}, nil)
}

// DebitBalance reports an insufficient balance on the backend as an
// unsuccessful result rather than an error.
func (c *HTTPClient) DebitBalance(ctx context.Context, userID string, amount int64, reason string) (models.DebitResult, error) {
	var out models.DebitResult
	err := c.do(ctx, http.MethodPost, "/wallet/debit", WalletRequest{UserID: userID, Amount: amount, Reason: reason}, &out)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusPaymentRequired {
		return models.DebitResult{Success: false}, nil
	}
	if err != nil {
		return models.DebitResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) CreditBalance(ctx context.Context, userID string, amount int64, reason string) error {
	return c.do(ctx, http.MethodPost, "/wallet/credit", WalletRequest{UserID: userID, Amount: amount, Reason: reason}, nil)
}

func (c *HTTPClient) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
