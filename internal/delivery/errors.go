package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DeliveryError classifies delivery call failures as retryable/permanent.
type DeliveryError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "delivery error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if code := strings.TrimSpace(e.ErrorCode); code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether a failed send should be retried on a later
// tick. Permanent failures (e.g. invalid address) are exhausted immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// ErrorCode extracts the provider error code from a failed send, or a
// generic label when none was reported.
func ErrorCode(err error) string {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) && strings.TrimSpace(deliveryErr.ErrorCode) != "" {
		return deliveryErr.ErrorCode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "send_failed"
}
