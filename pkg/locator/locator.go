// Package locator resolves the base URL of the ndt7 server to measure
// against, using the M-Lab locate service.
package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/m-lab/ndt7-client/internal/metrics"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

var (
	// ErrNoTargets is returned when the locate service returns no usable
	// server.
	ErrNoTargets = errors.New("no targets available")

	// ErrMalformedResponse is returned when the locate response cannot be
	// parsed.
	ErrMalformedResponse = errors.New("malformed locate response")
)

// Locator returns the base URL of a server, e.g. https://host.
type Locator interface {
	Locate(ctx context.Context) (string, error)
}

// Legacy uses the legacy locate API, which answers with {"fqdn": host}.
type Legacy struct {
	// URL defaults to spec.DefaultLocateURL.
	URL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// UserAgent, when not empty, is sent with the request.
	UserAgent string
}

type legacyReply struct {
	FQDN string `json:"fqdn"`
}

// Locate implements Locator. Non-2xx responses are errors.
func (l *Legacy) Locate(ctx context.Context) (string, error) {
	base, err := l.locate(ctx)
	if err != nil {
		metrics.LocateRequests.WithLabelValues("legacy", metrics.ResultError).Inc()
		return "", err
	}
	metrics.LocateRequests.WithLabelValues("legacy", metrics.ResultOK).Inc()
	return base, nil
}

func (l *Legacy) locate(ctx context.Context) (string, error) {
	locateURL := l.URL
	if locateURL == "" {
		locateURL = spec.DefaultLocateURL
	}
	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locateURL, nil)
	if err != nil {
		return "", err
	}
	if l.UserAgent != "" {
		req.Header.Set("User-Agent", l.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("locate returned %s", resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var reply legacyReply
	if err := json.Unmarshal(b, &reply); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if reply.FQDN == "" {
		return "", fmt.Errorf("%w: missing fqdn", ErrMalformedResponse)
	}
	log.Debug("located server", "fqdn", reply.FQDN)
	return (&url.URL{Scheme: "https", Host: reply.FQDN}).String(), nil
}
