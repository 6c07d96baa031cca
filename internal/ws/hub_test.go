package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	wsHub "github.com/pagecarbon/pagecarbon/internal/ws"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

const testInterval = 20 * time.Millisecond

// --- helpers ----------------------------------------------------------------

// fakeSource returns a settable snapshot.
type fakeSource struct {
	mu   sync.Mutex
	snap types.Snapshot
}

func (f *fakeSource) Snapshot() types.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) set(s types.Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func startHub(t *testing.T, src wsHub.Source, interval time.Duration) (wsURL string, hub *wsHub.Hub) {
	t.Helper()

	hub = wsHub.New(src, interval, nil)
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(hub)
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var e envelope
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return e
}

func waitForCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", hub.Count(), want)
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesImmediateSnapshot(t *testing.T) {
	src := &fakeSource{snap: types.Snapshot{WeightBytes: 1000, CO2Grams: 0.42, State: types.StateCoarse, StateName: "coarse"}}
	wsURL, _ := startHub(t, src, time.Hour)

	e := readEnvelope(t, dial(t, wsURL))
	if e.Event != wsHub.EventSnapshot {
		t.Errorf("event: got %q, want snapshot", e.Event)
	}
	var s types.Snapshot
	if err := json.Unmarshal(e.Data, &s); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if s.WeightBytes != 1000 || s.CO2Grams != 0.42 || s.State != types.StateCoarse {
		t.Errorf("snapshot: got %+v", s)
	}
}

func TestHub_ReceivesBroadcastOnTick(t *testing.T) {
	src := &fakeSource{}
	wsURL, _ := startHub(t, src, testInterval)

	conn := dial(t, wsURL)
	readEnvelope(t, conn)

	src.set(types.Snapshot{WeightBytes: 77, State: types.StateDetailed})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var s types.Snapshot
		e := readEnvelope(t, conn)
		if err := json.Unmarshal(e.Data, &s); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if s.WeightBytes == 77 {
			return
		}
	}
	t.Fatal("tick never carried the new snapshot")
}

func TestHub_PublishPushesUpdate(t *testing.T) {
	wsURL, hub := startHub(t, &fakeSource{}, time.Hour)

	conn := dial(t, wsURL)
	readEnvelope(t, conn)
	waitForCount(t, hub, 1)

	hub.Publish(types.Update{
		SessionID: "s-1",
		Phase:     types.PhaseDetailed,
		State:     types.StateDetailed,
		Estimate:  types.Estimate{WeightBytes: 5, CO2Grams: 0.001},
	})

	e := readEnvelope(t, conn)
	if e.Event != wsHub.EventUpdate {
		t.Fatalf("event: got %q, want update", e.Event)
	}
	var u types.Update
	if err := json.Unmarshal(e.Data, &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.SessionID != "s-1" || u.Phase != types.PhaseDetailed || u.Estimate.WeightBytes != 5 {
		t.Errorf("update: got %+v", u)
	}
}

func TestHub_CountClients(t *testing.T) {
	wsURL, hub := startHub(t, &fakeSource{}, time.Hour)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
		readEnvelope(t, conns[i])
	}
	waitForCount(t, hub, 3)

	conns[0].Close()
	waitForCount(t, hub, 2)
}

func TestHub_RejectsDisallowedOrigin(t *testing.T) {
	hub := wsHub.New(&fakeSource{}, time.Hour, func(r *http.Request) bool {
		return r.Header.Get("Origin") == "https://allowed.example"
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err == nil {
		t.Fatal("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("status: got %v, want 403", resp)
	}
}
