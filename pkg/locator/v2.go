package locator

import (
	"context"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/m-lab/ndt7-client/internal/metrics"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

// Nearest returns the servers nearest to the client for a service.
type Nearest interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// V2 uses the Locate v2 API. The base URL is derived from the download URL
// of the first target and keeps its access token.
type V2 struct {
	Client Nearest
}

// NewV2 returns a V2 locator using the M-Lab locate client.
func NewV2(userAgent string) *V2 {
	return &V2{Client: locate.NewClient(userAgent)}
}

// Locate implements Locator.
func (l *V2) Locate(ctx context.Context) (string, error) {
	base, err := l.locate(ctx)
	if err != nil {
		metrics.LocateRequests.WithLabelValues("v2", metrics.ResultError).Inc()
		return "", err
	}
	metrics.LocateRequests.WithLabelValues("v2", metrics.ResultOK).Inc()
	return base, nil
}

func (l *V2) locate(ctx context.Context) (string, error) {
	targets, err := l.Client.Nearest(ctx, spec.LocateV2Service)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		for _, scheme := range []string{"wss", "ws"} {
			raw, ok := t.URLs[scheme+"://"+spec.DownloadPath]
			if !ok {
				continue
			}
			u, err := url.Parse(raw)
			if err != nil {
				log.Debug("skipping malformed target URL", "machine", t.Machine, "err", err)
				continue
			}
			return baseURL(u), nil
		}
	}
	return "", ErrNoTargets
}

// baseURL maps a WebSocket URL to the http(s) base URL of its server.
func baseURL(u *url.URL) string {
	b := url.URL{
		Scheme:   "http",
		Host:     u.Host,
		RawQuery: u.RawQuery,
	}
	if u.Scheme == "wss" {
		b.Scheme = "https"
	}
	return b.String()
}
