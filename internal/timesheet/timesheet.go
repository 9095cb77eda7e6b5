// Package timesheet defines the data retrieval port the engine uses to fetch
// timesheet data, plus an HTTP client implementation for a timesheet backend.
package timesheet

import (
	"context"
	"fmt"
	"time"
)

// Query describes one typed data need extracted from an execution plan.
type Query struct {
	Kind       string                 `json:"kind"` // hours_summary, entries, target, approvals
	UserID     string                 `json:"user_id"`
	From       time.Time              `json:"from,omitempty"`
	To         time.Time              `json:"to,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Entry is a single logged time entry.
type Entry struct {
	Date    string  `json:"date"`
	Project string  `json:"project"`
	Hours   float64 `json:"hours"`
	Note    string  `json:"note,omitempty"`
}

// Data is the typed bundle a successful retrieval returns.
type Data struct {
	UserID      string                 `json:"user_id"`
	HoursLogged float64                `json:"hours_logged"`
	HoursTarget float64                `json:"hours_target"`
	PeriodStart time.Time              `json:"period_start,omitempty"`
	PeriodEnd   time.Time              `json:"period_end,omitempty"`
	Entries     []Entry                `json:"entries,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
	RetrievedAt time.Time              `json:"retrieved_at"`
}

// Credentials is the opaque caller token forwarded to the backend.
type Credentials string

// DataUnavailableError is the typed failure a retriever returns when data
// cannot be fetched. Callers treat it as retrievable context, not a fatal
// condition.
type DataUnavailableError struct {
	Reason string
	Cause  error
}

func (e *DataUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("timesheet data unavailable: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("timesheet data unavailable: %s", e.Reason)
}

func (e *DataUnavailableError) Unwrap() error { return e.Cause }

// Retriever is the port the engine calls to fetch timesheet data. All
// failures must surface as *DataUnavailableError.
type Retriever interface {
	Retrieve(ctx context.Context, query Query, creds Credentials, timezone string) (*Data, error)
}
