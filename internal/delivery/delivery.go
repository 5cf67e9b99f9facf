package delivery

import "context"

// Request is one outbound email delivery call. The idempotency token is
// deterministic per (enrollment, step), so a retried call never double-sends.
type Request struct {
	IdempotencyToken string
	RecipientAddress string
	RecipientName    string
	Subject          string
	Body             string
}

// Result stores delivery call metadata for audit and persistence.
type Result struct {
	DeliveryID string
	StatusCode int
}

// Service is the outbound email delivery port (external collaborator).
type Service interface {
	Send(ctx context.Context, req Request) (*Result, error)
}
