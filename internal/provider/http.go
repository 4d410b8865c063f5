package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTP posts messages as JSON to a provider gateway.
type HTTP struct {
	URL     string
	Token   string
	From    string
	Timeout time.Duration
	Client  *http.Client
}

type sendRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	SID       string `json:"sid"`
	ID        string `json:"id"`
	Status    string `json:"status"`
	Code      any    `json:"code"`
	Message   string `json:"message"`
	ErrorCode any    `json:"error_code"`
}

func (h HTTP) Send(ctx context.Context, msg Message) (Result, error) {
	if h.URL == "" {
		return Result{}, Permanent("config", errors.New("provider URL is required"))
	}
	if msg.To == "" {
		return Result{}, Permanent("invalid_number", errors.New("recipient is required"))
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(sendRequest{From: h.From, To: msg.To, Body: msg.Body})
	if err != nil {
		return Result{}, Permanent("encode", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, Permanent("config", fmt.Errorf("create provider request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, Retryable("network", fmt.Errorf("provider request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, Retryable("network", fmt.Errorf("read provider response: %w", err))
	}

	var out sendResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode >= 400 {
		code := codeString(out.Code)
		if code == "" {
			code = codeString(out.ErrorCode)
		}
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, firstNonEmpty(out.Message, string(body)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return Result{}, Retryable(code, cause)
		}
		return Result{}, Permanent(code, cause)
	}

	ref := firstNonEmpty(out.SID, out.ID)
	if ref == "" {
		return Result{}, Retryable("malformed_response", errors.New("provider response has no message reference"))
	}
	return Result{ProviderRef: ref, Status: out.Status}, nil
}

func codeString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.FormatInt(int64(c), 10)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
