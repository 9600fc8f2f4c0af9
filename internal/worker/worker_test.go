package worker

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt7-client/internal/ndt7test"
	"github.com/m-lab/ndt7-client/internal/socket"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

func TestURL(t *testing.T) {
	tests := []struct {
		base string
		kind spec.TestKind
		want string
	}{
		{"https://example.org", spec.TestDownload, "wss://example.org/ndt/v7/download"},
		{"http://example.org:8080", spec.TestUpload, "ws://example.org:8080/ndt/v7/upload"},
		{"https://example.org/foo?access_token=abc", spec.TestRoundTrip, "wss://example.org/ndt/v7/roundtrip?access_token=abc"},
		{"ftp://example.org", spec.TestDownload, "ws://example.org/ndt/v7/download"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			base, err := url.Parse(tt.base)
			rtx.Must(err, "cannot parse base URL")
			if got := URL(base, tt.kind).String(); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
			if base.String() != tt.base {
				t.Errorf("URL() modified the base URL: %s", base)
			}
		})
	}
}

func TestFor(t *testing.T) {
	for _, kind := range []spec.TestKind{spec.TestDownload, spec.TestUpload, spec.TestRoundTrip} {
		if _, err := For(kind); err != nil {
			t.Errorf("For(%q) returned %v", kind, err)
		}
	}
	if _, err := For("ping"); err == nil {
		t.Error("For() accepted an unknown kind")
	}
}

type result struct {
	measurements []model.Measurement
	err          error
}

func collect(t *testing.T, ch <-chan model.Measurement, errCh <-chan error) result {
	t.Helper()
	var r result
	timeout := time.After(15 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				select {
				case r.err = <-errCh:
				default:
				}
				return r
			}
			r.measurements = append(r.measurements, m)
		case <-timeout:
			t.Fatal("worker did not terminate")
		}
	}
}

func params(t *testing.T, srv *ndt7test.Server) Params {
	u, err := url.Parse(srv.URL)
	rtx.Must(err, "cannot parse server URL")
	return Params{
		BaseURL: u,
		Dialer:  &socket.Dialer{UserAgent: "worker-test/0.0.0"},
	}
}

// eventually polls cond for up to two seconds.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func byOrigin(ms []model.Measurement, origin string) []model.Measurement {
	var out []model.Measurement
	for _, m := range ms {
		if m.Origin == origin {
			out = append(out, m)
		}
	}
	return out
}

func TestDownload(t *testing.T) {
	srv := ndt7test.New(ndt7test.Config{Duration: time.Second})
	defer srv.Close()

	ch, errCh := Download{}.Start(context.Background(), params(t, srv))
	r := collect(t, ch, errCh)
	if r.err != nil {
		t.Fatalf("download failed: %v", r.err)
	}
	client := byOrigin(r.measurements, model.OriginClient)
	if len(client) < 2 {
		t.Fatalf("got %d client measurements, want at least 2", len(client))
	}
	var elapsed, bytes int64
	for _, m := range client {
		if m.Test != spec.TestDownload || m.AppInfo == nil {
			t.Fatalf("unexpected measurement: %+v", m)
		}
		if m.AppInfo.ElapsedTime-elapsed < spec.MeasureInterval.Microseconds() {
			t.Errorf("measurements are %dus apart", m.AppInfo.ElapsedTime-elapsed)
		}
		if m.AppInfo.NumBytes < bytes {
			t.Errorf("NumBytes decreased from %d to %d", bytes, m.AppInfo.NumBytes)
		}
		elapsed, bytes = m.AppInfo.ElapsedTime, m.AppInfo.NumBytes
	}
	server := byOrigin(r.measurements, model.OriginServer)
	if len(server) == 0 {
		t.Fatal("no server measurements relayed")
	}
	for _, m := range server {
		if m.Test != spec.TestDownload || m.TCPInfo == nil {
			t.Errorf("unexpected server measurement: %+v", m)
		}
	}
	if srv.UserAgent() != "worker-test/0.0.0" {
		t.Errorf("server saw User-Agent %q", srv.UserAgent())
	}
}

func TestUpload(t *testing.T) {
	srv := ndt7test.New(ndt7test.Config{Duration: time.Second, UploadProbes: true})
	defer srv.Close()

	ch, errCh := Upload{}.Start(context.Background(), params(t, srv))
	r := collect(t, ch, errCh)
	if r.err != nil {
		t.Fatalf("upload failed: %v", r.err)
	}
	client := byOrigin(r.measurements, model.OriginClient)
	if len(client) == 0 {
		t.Fatal("no client measurements")
	}
	for _, m := range client {
		if m.Test != spec.TestUpload || m.AppInfo == nil || m.AppInfo.NumBytes < 0 {
			t.Errorf("unexpected measurement: %+v", m)
		}
	}
	if len(byOrigin(r.measurements, model.OriginServer)) == 0 {
		t.Error("no server measurements relayed")
	}
	if srv.BytesReceived() == 0 {
		t.Error("server received no data")
	}
	if !eventually(func() bool { return len(srv.Replies()) > 0 }) {
		t.Error("server received no round-trip replies")
	}
}

func TestRoundTrip(t *testing.T) {
	srv := ndt7test.New(ndt7test.Config{Duration: time.Second, SRTT: 12345})
	defer srv.Close()

	ch, errCh := RoundTrip{}.Start(context.Background(), params(t, srv))
	r := collect(t, ch, errCh)
	if r.err != nil {
		t.Fatalf("roundtrip failed: %v", r.err)
	}
	if len(r.measurements) == 0 {
		t.Fatal("no measurements")
	}
	for _, m := range r.measurements {
		if m.Origin != model.OriginServer || m.Test != spec.TestRoundTrip ||
			m.AppInfo == nil || m.AppInfo.SRTT != 12345 {
			t.Errorf("unexpected measurement: %+v", m)
		}
	}
	if !eventually(func() bool { return len(srv.Replies()) > 0 }) {
		t.Fatal("server received no replies")
	}
	for _, reply := range srv.Replies() {
		if reply.STD != reply.RT-reply.STE {
			t.Errorf("inconsistent reply: %+v", reply)
		}
	}
}

func TestWorker_Failures(t *testing.T) {
	t.Run("abort", func(t *testing.T) {
		srv := ndt7test.New(ndt7test.Config{Mode: ndt7test.Abort})
		defer srv.Close()
		for _, w := range []Worker{Download{}, Upload{}, RoundTrip{}} {
			ch, errCh := w.Start(context.Background(), params(t, srv))
			if r := collect(t, ch, errCh); r.err == nil {
				t.Errorf("%T: no error after an abrupt close", w)
			}
		}
	})
	t.Run("unreachable", func(t *testing.T) {
		srv := ndt7test.New(ndt7test.Config{})
		p := params(t, srv)
		srv.Close()
		ch, errCh := Download{}.Start(context.Background(), p)
		if r := collect(t, ch, errCh); r.err == nil {
			t.Error("no error for an unreachable server")
		}
	})
	t.Run("cancel", func(t *testing.T) {
		srv := ndt7test.New(ndt7test.Config{Mode: ndt7test.Stall})
		defer srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		start := time.Now()
		ch, errCh := Download{}.Start(ctx, params(t, srv))
		collect(t, ch, errCh)
		if time.Since(start) > 5*time.Second {
			t.Error("cancellation did not stop the worker")
		}
	})
}
