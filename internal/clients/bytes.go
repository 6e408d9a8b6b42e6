package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"scanflow/internal/domain"
)

// Bytes is the client for the results store.
type Bytes struct {
	base string
	http *http.Client
}

func NewBytes(base string) *Bytes {
	return &Bytes{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

// LastRun returns the most recent run of a boefje against a target within
// an organisation, or nil when no run is recorded.
func (b *Bytes) LastRun(ctx context.Context, boefjeID, inputOOI, org string) (*domain.RunState, error) {
	var run domain.RunState
	q := url.Values{"boefje_id": {boefjeID}, "organization": {org}}
	if inputOOI != "" {
		q.Set("input_ooi", inputOOI)
	}
	u := joinURL(b.base, "/bytes/last_run", q)
	if err := getJSON(ctx, b.http, "bytes", u, &run); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}
