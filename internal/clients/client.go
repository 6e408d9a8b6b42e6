package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// ExternalServiceError wraps any failure reaching or using a collaborator
// service. Callers treat it as retryable: skip the current unit of work and
// continue.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// StatusError is an ExternalServiceError cause carrying the HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsClientError reports whether err is a 4xx response from a service, e.g.
// an invalid object type in a boefje's consumes list.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// IsTimeout reports whether err is a read timeout on a service call.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func getJSON(ctx context.Context, c *http.Client, service, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &ExternalServiceError{Service: service, Err: err}
	}
	resp, err := c.Do(req)
	if err != nil {
		return &ExternalServiceError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &ExternalServiceError{Service: service, Err: errNotFound}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ExternalServiceError{Service: service, Err: &StatusError{Code: resp.StatusCode, Body: string(body)}}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ExternalServiceError{Service: service, Err: err}
	}
	return nil
}

var errNotFound = errors.New("not found")

// IsNotFound reports whether err is a 404 from a service.
func IsNotFound(err error) bool { return errors.Is(err, errNotFound) }

func joinURL(base string, elem string, q url.Values) string {
	u := base + elem
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
