package ndt7test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt7-client/pkg/ndt7/spec"
)

func TestServer_Upgrade(t *testing.T) {
	srv := New(Config{})
	defer srv.Close()
	wsURL := strings.Replace(srv.URL, "http", "ws", 1)

	t.Run("missing subprotocol", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+spec.DownloadPath, nil)
		if err == nil {
			t.Fatal("upgrade succeeded without the subprotocol")
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Errorf("unexpected response: %+v", resp)
		}
	})
	t.Run("download", func(t *testing.T) {
		h := http.Header{}
		h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
		h.Add("User-Agent", "ndt7test/0.0.0")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+spec.DownloadPath, h)
		rtx.Must(err, "cannot dial")
		defer conn.Close()
		kind, _, err := conn.ReadMessage()
		rtx.Must(err, "cannot read")
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			t.Errorf("unexpected message kind %d", kind)
		}
		if srv.UserAgent() != "ndt7test/0.0.0" {
			t.Errorf("UserAgent() = %q", srv.UserAgent())
		}
	})
	got := srv.Paths()
	if len(got) != 2 || got[0] != spec.DownloadPath || got[1] != spec.DownloadPath {
		t.Errorf("Paths() = %v", got)
	}
}

func TestServer_DownloadMeasurements(t *testing.T) {
	srv := New(Config{Duration: 1500 * time.Millisecond})
	defer srv.Close()
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(srv.URL, "http", "ws", 1)+spec.DownloadPath, h)
	rtx.Must(err, "cannot dial")
	defer conn.Close()

	var binary, text int
	for {
		kind, _, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("download did not close normally: %v", err)
			}
			break
		}
		switch kind {
		case websocket.BinaryMessage:
			binary++
		case websocket.TextMessage:
			text++
		}
	}
	if binary == 0 {
		t.Error("no binary messages received")
	}
	// Ticks are at most 400ms apart, so a 1.5s download has at least 3.
	if text < 3 {
		t.Errorf("received %d measurements while the sender was busy, want at least 3", text)
	}
}
