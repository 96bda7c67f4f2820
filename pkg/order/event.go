package order

import (
	"fmt"
	"time"
)

// Payload is the status-specific body of an Event. Each variant belongs to
// exactly one status.
type Payload interface {
	Status() Status
	isPayload()
}

// AckPayload acknowledges receipt (pending).
type AckPayload struct {
	Message string `json:"message"`
}

// RoutingPayload is sent while venues are being compared.
type RoutingPayload struct {
	Message string `json:"message"`
}

// BuildingPayload carries the routing outcome and the slippage floor.
type BuildingPayload struct {
	SelectedVenue   string  `json:"selectedVenue"`
	EstimatedOutput float64 `json:"estimatedOutput"`
	EstimatedPrice  float64 `json:"estimatedPrice"`
	MinAmountOut    float64 `json:"minAmountOut"`
}

// SubmittedPayload is sent once the swap is handed to the venue.
type SubmittedPayload struct {
	SelectedVenue string `json:"selectedVenue"`
	Message       string `json:"message"`
}

// ConfirmedPayload carries the execution outcome.
type ConfirmedPayload struct {
	SelectedVenue      string  `json:"selectedVenue"`
	ExecutionReference string  `json:"executionReference"`
	ExecutedPrice      float64 `json:"executedPrice"`
	ActualOutput       float64 `json:"actualOutput"`
	ExecutionTime      string  `json:"executionTime"` // e.g. "3.42s"
}

// FailedPayload carries the error text.
type FailedPayload struct {
	Error string `json:"error"`
}

func (AckPayload) Status() Status       { return StatusPending }
func (RoutingPayload) Status() Status   { return StatusRouting }
func (BuildingPayload) Status() Status  { return StatusBuilding }
func (SubmittedPayload) Status() Status { return StatusSubmitted }
func (ConfirmedPayload) Status() Status { return StatusConfirmed }
func (FailedPayload) Status() Status    { return StatusFailed }

func (AckPayload) isPayload()       {}
func (RoutingPayload) isPayload()   {}
func (BuildingPayload) isPayload()  {}
func (SubmittedPayload) isPayload() {}
func (ConfirmedPayload) isPayload() {}
func (FailedPayload) isPayload()    {}

// Event is the message pushed to a live subscriber.
type Event struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Data      Payload   `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event whose status is taken from the payload.
func NewEvent(orderID string, p Payload, now time.Time) Event {
	return Event{OrderID: orderID, Status: p.Status(), Data: p, Timestamp: now}
}

// Check verifies that a non-nil payload matches the event status.
func (e Event) Check() error {
	if e.Data != nil && e.Data.Status() != e.Status {
		return fmt.Errorf("payload for %s attached to %s event", e.Data.Status(), e.Status)
	}
	return nil
}

// FormatDuration renders d as seconds with two decimals.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
