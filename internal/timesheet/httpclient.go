package timesheet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient retrieves timesheet data from a backend HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a retriever against the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Retrieve fetches the data bundle for one query. Every failure is converted
// to *DataUnavailableError so callers never see an unstructured error.
func (c *HTTPClient) Retrieve(ctx context.Context, query Query, creds Credentials, timezone string) (*Data, error) {
	if query.UserID == "" {
		return nil, &DataUnavailableError{Reason: "query has no user id"}
	}

	endpoint, err := url.Parse(c.baseURL + "/v1/timesheets/" + url.PathEscape(query.UserID))
	if err != nil {
		return nil, &DataUnavailableError{Reason: "invalid backend url", Cause: err}
	}
	q := endpoint.Query()
	q.Set("kind", query.Kind)
	if !query.From.IsZero() {
		q.Set("from", query.From.Format(time.RFC3339))
	}
	if !query.To.IsZero() {
		q.Set("to", query.To.Format(time.RFC3339))
	}
	if timezone != "" {
		q.Set("tz", timezone)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &DataUnavailableError{Reason: "building request failed", Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if creds != "" {
		req.Header.Set("Authorization", "Bearer "+string(creds))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DataUnavailableError{Reason: "backend unreachable", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &DataUnavailableError{Reason: fmt.Sprintf("no timesheet found for user %s", query.UserID)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &DataUnavailableError{Reason: "credentials rejected by timesheet backend"}
	case resp.StatusCode != http.StatusOK:
		return nil, &DataUnavailableError{Reason: fmt.Sprintf("backend returned status %d", resp.StatusCode)}
	}

	var data Data
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &DataUnavailableError{Reason: "malformed backend response", Cause: err}
	}
	if data.UserID == "" {
		data.UserID = query.UserID
	}
	if data.RetrievedAt.IsZero() {
		data.RetrievedAt = time.Now()
	}
	return &data, nil
}
