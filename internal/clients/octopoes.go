package clients

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scanflow/internal/domain"
)

// Octopoes is the client for the object-graph service. All calls carry a
// bounded read timeout; on timeout the caller abandons the current batch.
type Octopoes struct {
	base string
	http *http.Client
}

func NewOctopoes(base string, readTimeout time.Duration) *Octopoes {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &Octopoes{base: base, http: &http.Client{Timeout: readTimeout}}
}

// ObjectsByType lists objects of the given types whose clearance level lies
// in [minLevel, MaxScanLevel].
func (o *Octopoes) ObjectsByType(ctx context.Context, org string, types []string, minLevel int) ([]domain.OOI, error) {
	levels := make([]string, 0, domain.MaxScanLevel+1)
	for l := minLevel; l <= domain.MaxScanLevel; l++ {
		levels = append(levels, strconv.Itoa(l))
	}
	var oois []domain.OOI
	u := joinURL(o.base, "/"+url.PathEscape(org)+"/objects", url.Values{
		"types":      {strings.Join(types, ",")},
		"scan_level": {strings.Join(levels, ",")},
	})
	if err := getJSON(ctx, o.http, "octopoes", u, &oois); err != nil {
		return nil, err
	}
	return oois, nil
}

// Objects batch-fetches the current state of the referenced objects.
// References that no longer exist are simply absent from the result.
func (o *Octopoes) Objects(ctx context.Context, org string, refs []string) ([]domain.OOI, error) {
	var oois []domain.OOI
	u := joinURL(o.base, "/"+url.PathEscape(org)+"/objects/load", url.Values{
		"references": {strings.Join(refs, ",")},
	})
	if err := getJSON(ctx, o.http, "octopoes", u, &oois); err != nil {
		return nil, err
	}
	return oois, nil
}

// ObjectClients returns, per candidate organisation, that organisation's
// copy of the referenced object as of validTime.
func (o *Octopoes) ObjectClients(ctx context.Context, ref string, orgs []string, validTime time.Time) (map[string]domain.OOI, error) {
	out := map[string]domain.OOI{}
	u := joinURL(o.base, "/objects/clients", url.Values{
		"reference":  {ref},
		"clients":    {strings.Join(orgs, ",")},
		"valid_time": {validTime.UTC().Format(time.RFC3339)},
	})
	if err := getJSON(ctx, o.http, "octopoes", u, &out); err != nil {
		return nil, err
	}
	return out, nil
}
