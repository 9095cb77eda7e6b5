package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

// RetrievalStage executes a plan's data needs through the timesheet port.
// It never raises: every failure is reduced to an empty bundle plus a note
// the composition stage can work with.
type RetrievalStage struct {
	retriever timesheet.Retriever
	cache     RetrievalCache
	timeout   time.Duration
	logger    *log.Logger
}

// NewRetrievalStage builds the retrieval stage. cache may be nil, in which
// case de-duplication is skipped and the port is called directly.
func NewRetrievalStage(retriever timesheet.Retriever, cache RetrievalCache, timeout time.Duration, logger *log.Logger) *RetrievalStage {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags)
	}
	return &RetrievalStage{retriever: retriever, cache: cache, timeout: timeout, logger: logger}
}

// Run fetches the plan's data. The second return value is a human-digestible
// note explaining why data is partial or absent; it is empty on success.
// Repeat executions for the same request id return the recorded first result
// instead of re-calling the port.
func (r *RetrievalStage) Run(ctx context.Context, requestID string, plan *ExecutionPlan, msg InboundMessage) (*timesheet.Data, string) {
	if r.cache != nil {
		if data, note, ok, err := r.cache.Get(ctx, requestID); err != nil {
			r.logger.Printf("retrieval cache lookup failed for %s: %v", requestID, err)
		} else if ok {
			r.logger.Printf("retrieval de-duplicated for request %s", requestID)
			return data, note
		}
	}

	query := plan.DataQuery
	if query == nil {
		query = defaultQuery(msg)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.retriever.Retrieve(callCtx, *query, msg.Credentials, msg.Timezone)
	note := ""
	if err != nil {
		data = nil
		var unavailable *timesheet.DataUnavailableError
		switch {
		case errors.As(err, &unavailable):
			note = unavailable.Reason
		case errors.Is(err, context.DeadlineExceeded):
			note = "timesheet lookup timed out"
		default:
			// The port contract says failures are typed; treat anything else
			// as unavailable data rather than letting it escape.
			note = "timesheet lookup failed"
		}
		r.logger.Printf("retrieval for request %s unavailable: %v", requestID, err)
	}

	if r.cache != nil {
		if err := r.cache.Put(ctx, requestID, data, note); err != nil {
			r.logger.Printf("retrieval cache store failed for %s: %v", requestID, err)
		}
	}
	return data, note
}

// defaultQuery is the fallback data need when a plan flags NeedsData without
// a concrete query.
func defaultQuery(msg InboundMessage) *timesheet.Query {
	return &timesheet.Query{Kind: "hours_summary", UserID: msg.UserID}
}
