package api

import "time"

// Request/response bodies for the REST and websocket endpoints. Order
// records and queue counts are served as their domain types.

// SubmitOrderResponse is returned by POST /api/orders/execute.
type SubmitOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"` // always "pending"
	Message string `json:"message"`
	WsURL   string `json:"wsUrl"` // status stream for this order
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status              string    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
	ActiveSubscriptions int       `json:"activeSubscriptions"`
}

// StreamError is written on the websocket before closing it.
type StreamError struct {
	Error string `json:"error"`
}
