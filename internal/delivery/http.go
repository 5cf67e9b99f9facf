package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultSendTimeout = 10 * time.Second

type sendRequest struct {
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	DeliveryID string `json:"delivery_id"`
	ErrorCode  string `json:"error_code"`
	Retryable  *bool  `json:"retryable"`
}

// HTTPService calls a SendGrid-style email delivery endpoint. Every call is
// bounded by the client timeout; a timed-out call is a retryable failure,
// never left pending.
type HTTPService struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPService(endpoint, apiKey string) (*HTTPService, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)
	if strings.TrimSpace(apiKey) != "" {
		client.SetHeader("Authorization", "Bearer "+strings.TrimSpace(apiKey))
	}

	return NewHTTPServiceWithClient(endpoint, client)
}

func NewHTTPServiceWithClient(endpoint string, client *resty.Client) (*HTTPService, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("delivery endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid delivery endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPService{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (s *HTTPService) Send(ctx context.Context, req Request) (*Result, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("delivery service is not initialized")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	body := sendRequest{
		To:      req.RecipientAddress,
		ToName:  req.RecipientName,
		Subject: req.Subject,
		Body:    req.Body,
	}

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", req.IdempotencyToken).
		SetBody(body).
		Post(s.endpoint)
	if err != nil {
		return nil, &DeliveryError{
			Message:   "delivery request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &DeliveryError{
			Message:   "delivery service returned empty response",
			Retryable: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := response.Body()

	var parsed sendResponse
	_ = json.Unmarshal(responseBody, &parsed)

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Result{
			DeliveryID: firstNonEmpty(parsed.DeliveryID, deliveryIDFromHeaders(response)),
			StatusCode: statusCode,
		}, nil
	}

	retryable := isRetryableHTTPStatus(statusCode)
	if parsed.Retryable != nil {
		retryable = *parsed.Retryable
	}

	return nil, &DeliveryError{
		StatusCode: statusCode,
		ErrorCode:  firstNonEmpty(parsed.ErrorCode, fmt.Sprintf("http_%d", statusCode)),
		Message:    strings.TrimSpace(string(responseBody)),
		Retryable:  retryable,
	}
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.RecipientAddress) == "" {
		return &DeliveryError{ErrorCode: "invalid_recipient", Message: "recipient address is required", Retryable: false}
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Body) == "" {
		return &DeliveryError{ErrorCode: "empty_message", Message: "rendered message is empty", Retryable: false}
	}
	if strings.TrimSpace(req.IdempotencyToken) == "" {
		return &DeliveryError{ErrorCode: "missing_token", Message: "idempotency token is required", Retryable: false}
	}
	return nil
}

func isRetryableHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func deliveryIDFromHeaders(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-Id", "X-Message-ID", "X-Request-Id", "X-Request-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
