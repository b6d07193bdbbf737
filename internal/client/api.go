// Package client is the device-side companion of the HTTP API: a thin typed
// client plus a durable offline queue that replays mutations with their
// original idempotency keys once connectivity returns.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// API is a typed HTTP client for the server. Transport failures come back as
// plain errors; responses the server affirmatively rejected come back as
// *APIError so callers can tell the two apart.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Problem is the RFC 7807 error body the server sends on rejection.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// APIError is a non-2xx response from the server. Its presence means the
// request reached the server and was evaluated, so a retry with the same
// payload is pointless.
type APIError struct {
	Status  int
	Problem Problem
}

func (e *APIError) Error() string {
	if e.Problem.Title != "" {
		if e.Problem.Detail != "" {
			return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Problem.Title, e.Problem.Detail)
		}
		return fmt.Sprintf("HTTP %d %s", e.Status, e.Problem.Title)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// --- Wire types (mirror the server handlers, independently defined) ---

type TransactionResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	CategoryID string `json:"categoryId"`
	Note       string `json:"note,omitempty"`
	Date       string `json:"date"`
	UserID     string `json:"userId"`
	Version    int64  `json:"version"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

type CreateTransactionRequest struct {
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	CategoryID string `json:"categoryId"`
	Note       string `json:"note,omitempty"`
	Date       string `json:"date"`
}

type UpdateTransactionRequest struct {
	Kind       *string `json:"kind,omitempty"`
	Amount     *string `json:"amount,omitempty"`
	CategoryID *string `json:"categoryId,omitempty"`
	Note       *string `json:"note,omitempty"`
	Date       *string `json:"date,omitempty"`
}

type CategoryResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type CreateCategoryRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type UpdateCategoryRequest struct {
	Name *string `json:"name,omitempty"`
}

// --- Transaction operations ---

// CreateTransaction posts a new transaction. A non-empty idempotencyKey makes
// the call safe to repeat: the server returns the first outcome on replay.
func (a *API) CreateTransaction(ctx context.Context, idempotencyKey string, req CreateTransactionRequest) (TransactionResponse, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out TransactionResponse
	err := a.do(ctx, http.MethodPost, "/api/v1/transactions", headers, req, &out)
	return out, err
}

func (a *API) UpdateTransaction(ctx context.Context, id string, version int64, req UpdateTransactionRequest) (TransactionResponse, error) {
	var out TransactionResponse
	err := a.do(ctx, http.MethodPatch, "/api/v1/transactions/"+id, ifMatch(version), req, &out)
	return out, err
}

func (a *API) DeleteTransaction(ctx context.Context, id string, version int64) error {
	return a.do(ctx, http.MethodDelete, "/api/v1/transactions/"+id, ifMatch(version), nil, nil)
}

// --- Category operations ---

func (a *API) CreateCategory(ctx context.Context, idempotencyKey string, req CreateCategoryRequest) (CategoryResponse, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out CategoryResponse
	err := a.do(ctx, http.MethodPost, "/api/v1/categories", headers, req, &out)
	return out, err
}

func (a *API) UpdateCategory(ctx context.Context, id string, version int64, req UpdateCategoryRequest) (CategoryResponse, error) {
	var out CategoryResponse
	err := a.do(ctx, http.MethodPatch, "/api/v1/categories/"+id, ifMatch(version), req, &out)
	return out, err
}

func (a *API) DeleteCategory(ctx context.Context, id string, version int64) error {
	return a.do(ctx, http.MethodDelete, "/api/v1/categories/"+id, ifMatch(version), nil, nil)
}

func ifMatch(version int64) map[string]string {
	return map[string]string{"If-Match": `"` + strconv.FormatInt(version, 10) + `"`}
}

func (a *API) do(ctx context.Context, method, path string, headers map[string]string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		// Best effort; a body that isn't a problem document still yields
		// a usable status-only error.
		_ = json.Unmarshal(respBody, &apiErr.Problem)
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
