// Package crm talks to the CRM's REST API: outbound messages, tags and
// custom fields.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lead_router_backend/internal/metrics"
	"lead_router_backend/platform/apperr"
	"lead_router_backend/platform/config"
	"lead_router_backend/platform/logger"

	"golang.org/x/time/rate"
)

const (
	serviceName = "crm"
	apiVersion  = "2021-07-28"
)

// Service is the subset of the CRM the router relies on.
type Service interface {
	SendMessage(ctx context.Context, contactID, message string) error
	AddTag(ctx context.Context, contactID, tag string) error
	RemoveTag(ctx context.Context, contactID, tag string) error
	SetField(ctx context.Context, contactID, key string, value any) error
	SetFields(ctx context.Context, contactID string, fields map[string]any) error
	GetField(ctx context.Context, contactID, key string) (string, bool, error)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewClient(cfg config.CRMConfig, log *logger.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.GetExternalTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rps := cfg.GetCRMRatePerSecond()
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.GetCRMBaseURL(), "/"),
		apiKey:  cfg.GetCRMAPIKey(),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
		metrics: m,
	}
}

type messageRequest struct {
	Type      string `json:"type"`
	ContactID string `json:"contactId"`
	Message   string `json:"message"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type customField struct {
	Key   string `json:"key"`
	Value any    `json:"field_value"`
}

type updateContactRequest struct {
	CustomFields []customField `json:"customFields"`
}

type contactResponse struct {
	Contact struct {
		ID           string `json:"id"`
		CustomFields []struct {
			ID    string `json:"id"`
			Key   string `json:"key"`
			Value any    `json:"value"`
		} `json:"customFields"`
	} `json:"contact"`
}

func (c *Client) SendMessage(ctx context.Context, contactID, message string) error {
	payload := messageRequest{Type: "SMS", ContactID: contactID, Message: message}
	if err := c.do(ctx, "send_message", http.MethodPost, "/conversations/messages", payload, nil); err != nil {
		return err
	}
	c.log.Info("reply sent", "contactId", contactID)
	return nil
}

func (c *Client) AddTag(ctx context.Context, contactID, tag string) error {
	return c.do(ctx, "add_tag", http.MethodPost, contactPath(contactID, "tags"), tagsRequest{Tags: []string{tag}}, nil)
}

func (c *Client) RemoveTag(ctx context.Context, contactID, tag string) error {
	return c.do(ctx, "remove_tag", http.MethodDelete, contactPath(contactID, "tags"), tagsRequest{Tags: []string{tag}}, nil)
}

func (c *Client) SetField(ctx context.Context, contactID, key string, value any) error {
	return c.SetFields(ctx, contactID, map[string]any{key: value})
}

// SetFields writes several custom fields in one request.
func (c *Client) SetFields(ctx context.Context, contactID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	req := updateContactRequest{CustomFields: make([]customField, 0, len(fields))}
	for k, v := range fields {
		req.CustomFields = append(req.CustomFields, customField{Key: k, Value: v})
	}
	return c.do(ctx, "set_field", http.MethodPut, contactPath(contactID, ""), req, nil)
}

// GetField reads one custom field. ok is false when the contact has no value.
func (c *Client) GetField(ctx context.Context, contactID, key string) (string, bool, error) {
	var resp contactResponse
	if err := c.do(ctx, "get_field", http.MethodGet, contactPath(contactID, ""), nil, &resp); err != nil {
		return "", false, err
	}
	for _, f := range resp.Contact.CustomFields {
		if f.Key != key && f.ID != key {
			continue
		}
		if f.Value == nil {
			return "", false, nil
		}
		s := strings.TrimSpace(fmt.Sprint(f.Value))
		return s, s != "", nil
	}
	return "", false, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.fail(op, fmt.Errorf("rate limiter: %w", err))
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal crm payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(op, fmt.Errorf("crm request failed: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.fail(op, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return c.fail(op, fmt.Errorf("decode crm response: %w", err))
		}
	}
	return nil
}

func (c *Client) fail(op string, err error) error {
	c.log.UpstreamFailure(serviceName, op, err)
	c.metrics.RecordUpstreamFailure(serviceName, op)
	return apperr.Upstream(serviceName, err).WithOp(op)
}

// StatusError is a non-2xx CRM response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crm returned %d: %s", e.Code, e.Body)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	return err != nil
}

func contactPath(contactID, suffix string) string {
	p := "/contacts/" + url.PathEscape(contactID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
