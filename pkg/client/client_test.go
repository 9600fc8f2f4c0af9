package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/ndt7-client/internal/ndt7test"
	"github.com/m-lab/ndt7-client/internal/worker"
	"github.com/m-lab/ndt7-client/pkg/clock"
	"github.com/m-lab/ndt7-client/pkg/ndt7/model"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

func TestNew(t *testing.T) {
	t.Run("new clients have the expected name and version", func(t *testing.T) {
		c := New("test", "v1.0.0", Config{})
		if c.ClientName != "test" || c.ClientVersion != "v1.0.0" {
			t.Errorf("client.New() returned client with wrong name/version")
		}
	})
	t.Run("empty name or version panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("client.New() did not panic")
			}
		}()
		New("", "v1.0.0", Config{})
	})
}

func Test_makeUserAgent(t *testing.T) {
	t.Run("generate requested user agent", func(t *testing.T) {
		got := makeUserAgent("clientname", "clientversion")
		expected := fmt.Sprintf("%s/%s %s/%s", "clientname", "clientversion",
			libraryName, libraryVersion)
		if got != expected {
			t.Errorf("makeUserAgent() = %s, want %s", got, expected)
		}
	})
}

// countingServer counts the requests it receives.
func countingServer() (*httptest.Server, *atomic.Int64) {
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(http.StatusTeapot)
	}))
	return srv, &n
}

func TestClient_Start_ContractViolations(t *testing.T) {
	srv, requests := countingServer()
	defer srv.Close()

	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:    "data policy not accepted",
			config:  Config{ServerBaseURL: "https://example.org"},
			wantErr: ErrDataPolicyNotAccepted,
		},
		{
			name:    "data policy not accepted with local server",
			config:  Config{ServerBaseURL: srv.URL, LocateURL: srv.URL},
			wantErr: ErrDataPolicyNotAccepted,
		},
		{
			name:    "data policy not accepted with locate",
			config:  Config{LocateURL: srv.URL},
			wantErr: ErrDataPolicyNotAccepted,
		},
		{
			name:    "invalid server URL",
			config:  Config{ServerBaseURL: "example.org", LocateURL: srv.URL, DataPolicyAccepted: true},
			wantErr: ErrNoBaseURL,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			tt.config.Callbacks = Callbacks{
				OnStarting:  func() { called = true },
				OnServerURL: func(string) { called = true },
			}
			c := New("test", "v1.0.0", tt.config)
			outcomes, err := c.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Start() = %v, want %v", err, tt.wantErr)
			}
			if outcomes != nil || called {
				t.Error("Start() went on after a contract violation")
			}
			if requests.Load() != 0 {
				t.Errorf("%d requests were made", requests.Load())
			}
		})
	}
}

func TestClient_RunTest_ContractViolations(t *testing.T) {
	c := New("test", "v1.0.0", Config{})
	c.workerFor = func(spec.TestKind) (worker.Worker, error) {
		t.Fatal("a worker was created")
		return nil, nil
	}
	tests := []struct {
		name    string
		tc      TestConfig
		wantErr error
	}{
		{
			name:    "data policy",
			tc:      TestConfig{BaseURL: "https://example.org", Test: spec.TestDownload},
			wantErr: ErrDataPolicyNotAccepted,
		},
		{
			name:    "unknown test",
			tc:      TestConfig{BaseURL: "https://example.org", Test: "ping", DataPolicyAccepted: true},
			wantErr: ErrUnknownTest,
		},
		{
			name:    "missing URL",
			tc:      TestConfig{Test: spec.TestUpload, DataPolicyAccepted: true},
			wantErr: ErrNoBaseURL,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tc.OnStarting = func(model.Outcome) { t.Error("OnStarting called") }
			if _, err := c.RunTest(context.Background(), tt.tc); !errors.Is(err, tt.wantErr) {
				t.Errorf("RunTest() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// fakeWorker emits a number of measurements and then fails with err, or
// waits for cancellation if stall is set.
type fakeWorker struct {
	measurements int
	err          error
	stall        bool
	cancelled    chan struct{}
}

func (w *fakeWorker) Start(ctx context.Context, p worker.Params) (<-chan model.Measurement, <-chan error) {
	out := make(chan model.Measurement)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		for i := 0; i < w.measurements; i++ {
			m := model.Measurement{
				AppInfo: &model.AppInfo{ElapsedTime: int64(i+1) * 250000},
				Origin:  model.OriginClient,
				Test:    spec.TestDownload,
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		if w.stall {
			<-ctx.Done()
			close(w.cancelled)
			return
		}
		if w.err != nil {
			errCh <- w.err
		}
	}()
	return out, errCh
}

func newFakeClient(w worker.Worker, config Config) *Client {
	c := New("test", "v1.0.0", config)
	c.workerFor = func(spec.TestKind) (worker.Worker, error) {
		return w, nil
	}
	return c
}

func downloadConfig(completions *atomic.Int64, measurements *[]model.Measurement) TestConfig {
	return TestConfig{
		BaseURL:            "http://127.0.0.1:1",
		Test:               spec.TestDownload,
		DataPolicyAccepted: true,
		OnMeasurement: func(m model.Measurement) {
			if measurements != nil {
				*measurements = append(*measurements, m)
			}
		},
		OnComplete: func(model.Outcome) {
			completions.Add(1)
		},
	}
}

func TestClient_RunTest_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		worker  *fakeWorker
		wantErr string
	}{
		{name: "success", worker: &fakeWorker{measurements: 4}},
		{name: "error", worker: &fakeWorker{measurements: 3, err: errors.New("boom")}, wantErr: "boom"},
		{name: "error without message", worker: &fakeWorker{err: errors.New("")}, wantErr: GenericError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var completions atomic.Int64
			var measurements []model.Measurement
			var header model.Outcome
			c := newFakeClient(tt.worker, Config{})
			tc := downloadConfig(&completions, &measurements)
			tc.OnStarting = func(h model.Outcome) { header = h }
			o, err := c.RunTest(context.Background(), tc)
			testingx.Must(t, err, "RunTest failed")
			if o.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", o.Error, tt.wantErr)
			}
			if o.Origin != model.OriginClient || o.Test != spec.TestDownload {
				t.Errorf("unexpected outcome: %+v", o)
			}
			if header.Origin != model.OriginClient || header.Test != spec.TestDownload || header.Error != "" {
				t.Errorf("unexpected header: %+v", header)
			}
			if len(measurements) != tt.worker.measurements {
				t.Errorf("relayed %d measurements, want %d", len(measurements), tt.worker.measurements)
			}
			for i, m := range measurements {
				if m.AppInfo.ElapsedTime != int64(i+1)*250000 {
					t.Errorf("measurement %d out of order", i)
				}
			}
			if completions.Load() != 1 {
				t.Errorf("OnComplete called %d times", completions.Load())
			}
		})
	}
}

func TestClient_RunTest_Timeout(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	w := &fakeWorker{measurements: 1, stall: true, cancelled: make(chan struct{})}
	c := newFakeClient(w, Config{Clock: clk})
	var completions atomic.Int64
	done := make(chan model.Outcome)
	go func() {
		o, err := c.RunTest(context.Background(), downloadConfig(&completions, nil))
		if err != nil {
			t.Errorf("RunTest failed: %v", err)
		}
		done <- o
	}()
	for clk.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(spec.DefaultTimeout)
	o := <-done
	if o.Error != TimeoutError {
		t.Errorf("Error = %q, want %q", o.Error, TimeoutError)
	}
	if o.ElapsedTime != spec.DefaultTimeout.Microseconds() {
		t.Errorf("ElapsedTime = %d, want %d", o.ElapsedTime, spec.DefaultTimeout.Microseconds())
	}
	// The worker must be gone by the time RunTest returns.
	select {
	case <-w.cancelled:
	default:
		t.Error("RunTest returned before the worker stopped")
	}
	if completions.Load() != 1 {
		t.Errorf("OnComplete called %d times", completions.Load())
	}
}

func TestClient_RunTest_ErrorTimeoutRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		w := &fakeWorker{err: errors.New("boom")}
		c := newFakeClient(w, Config{Timeout: time.Nanosecond})
		var completions atomic.Int64
		o, err := c.RunTest(context.Background(), downloadConfig(&completions, nil))
		testingx.Must(t, err, "RunTest failed")
		if o.Error != "boom" && o.Error != TimeoutError {
			t.Fatalf("unexpected error %q", o.Error)
		}
		if completions.Load() != 1 {
			t.Fatalf("OnComplete called %d times", completions.Load())
		}
	}
}

// recorder records the callbacks invoked during Start.
type recorder struct {
	mu       sync.Mutex
	events   []string
	outcomes []model.Outcome
	server   string
	count    int
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStarting:  func() { r.add("starting") },
		OnServerURL: func(u string) { r.server = u; r.add("server") },
		OnTestStarting: func(h model.Outcome) {
			r.add("start:" + string(h.Test))
		},
		OnTestMeasurement: func(m model.Measurement) {
			r.mu.Lock()
			r.count++
			r.mu.Unlock()
		},
		OnTestComplete: func(o model.Outcome) {
			r.add("complete:" + string(o.Test))
		},
		OnComplete: func(o []model.Outcome) {
			r.outcomes = o
			r.add("done")
		},
	}
}

func checkEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestClient_Start(t *testing.T) {
	srv := ndt7test.New(ndt7test.Config{Duration: 500 * time.Millisecond})
	defer srv.Close()

	r := &recorder{}
	c := New("test", "v1.0.0", Config{
		ServerBaseURL:      srv.URL,
		DataPolicyAccepted: true,
		RoundTrip:          true,
		Callbacks:          r.callbacks(),
	})
	outcomes, err := c.Start(context.Background())
	testingx.Must(t, err, "Start failed")

	checkEvents(t, r.events, []string{
		"starting", "server",
		"start:download", "complete:download",
		"start:upload", "complete:upload",
		"start:roundtrip", "complete:roundtrip",
		"done",
	})
	if r.server != srv.URL {
		t.Errorf("OnServerURL(%q), want %q", r.server, srv.URL)
	}
	if len(outcomes) != 3 || len(r.outcomes) != 3 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Failed() {
			t.Errorf("%s failed: %s", o.Test, o.Error)
		}
	}
	paths := srv.Paths()
	want := []string{spec.DownloadPath, spec.UploadPath, spec.RoundTripPath}
	checkEvents(t, paths, want)
	if r.count == 0 {
		t.Error("no measurements relayed")
	}
	if srv.UserAgent() != makeUserAgent("test", "v1.0.0") {
		t.Errorf("server saw User-Agent %q", srv.UserAgent())
	}
}

type fakeLocator struct {
	url string
	err error
}

func (l *fakeLocator) Locate(ctx context.Context) (string, error) {
	return l.url, l.err
}

func TestClient_Start_Locator(t *testing.T) {
	t.Run("located server", func(t *testing.T) {
		srv := ndt7test.New(ndt7test.Config{Duration: 200 * time.Millisecond})
		defer srv.Close()
		r := &recorder{}
		c := New("test", "v1.0.0", Config{
			Locator:            &fakeLocator{url: srv.URL},
			DataPolicyAccepted: true,
			Callbacks:          r.callbacks(),
		})
		outcomes, err := c.Start(context.Background())
		testingx.Must(t, err, "Start failed")
		if r.server != srv.URL || len(outcomes) != 2 {
			t.Errorf("server = %q, %d outcomes", r.server, len(outcomes))
		}
	})
	t.Run("locate failure", func(t *testing.T) {
		errLocate := errors.New("locate failed")
		r := &recorder{}
		c := New("test", "v1.0.0", Config{
			Locator:            &fakeLocator{err: errLocate},
			DataPolicyAccepted: true,
			Callbacks:          r.callbacks(),
		})
		if _, err := c.Start(context.Background()); !errors.Is(err, errLocate) {
			t.Errorf("Start() = %v, want %v", err, errLocate)
		}
		checkEvents(t, r.events, []string{"starting"})
	})
}

func TestClient_Start_FailuresAreIsolated(t *testing.T) {
	srv := ndt7test.New(ndt7test.Config{Mode: ndt7test.Abort})
	defer srv.Close()
	r := &recorder{}
	c := New("test", "v1.0.0", Config{
		ServerBaseURL:      srv.URL,
		DataPolicyAccepted: true,
		Callbacks:          r.callbacks(),
	})
	outcomes, err := c.Start(context.Background())
	testingx.Must(t, err, "Start failed")
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Failed() {
			t.Errorf("%s did not fail", o.Test)
		}
	}
	checkEvents(t, srv.Paths(), []string{spec.DownloadPath, spec.UploadPath})
}
