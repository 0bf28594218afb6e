package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startRelay(t *testing.T) (wsURL string, srv *RelayServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv = NewRelayServer()
	go srv.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), srv
}

func dialRelay(t *testing.T, url, scope, id string) *WSChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := DialRelay(ctx, url, scope, id)
	if err != nil {
		t.Fatalf("DialRelay %s: %v", id, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitClients(t *testing.T, srv *RelayServer, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.clients.Load() != n {
		if time.Now().After(deadline) {
			t.Fatalf("relay has %d clients, want %d", srv.clients.Load(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	url, srv := startRelay(t)
	doc := dialRelay(t, url, "clinic", "dr-1")
	pat := dialRelay(t, url, "clinic", "pt-1")
	outsider := dialRelay(t, url, "elsewhere", "pt-9")
	waitClients(t, srv, 3)

	got := make(chan Message, 4)
	pat.Subscribe("video-call", func(raw json.RawMessage) {
		got <- Message{Event: "video-call", Payload: raw}
	})
	echo := make(chan struct{}, 1)
	doc.Subscribe("video-call", func(json.RawMessage) { echo <- struct{}{} })
	leaked := make(chan struct{}, 1)
	outsider.Subscribe("video-call", func(json.RawMessage) { leaked <- struct{}{} })

	if err := doc.Publish(context.Background(), "video-call", ring{PatientID: "pt-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-got:
		var r ring
		if err := json.Unmarshal(m.Payload, &r); err != nil || r.PatientID != "pt-1" {
			t.Errorf("payload = %s", m.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("patient never received the ring")
	}

	select {
	case <-echo:
		t.Error("relay echoed the message to its publisher")
	case <-leaked:
		t.Error("message leaked into another scope")
	case <-time.After(100 * time.Millisecond):
	}

	recent := pat.Recent()
	if len(recent) != 1 || recent[0].From != "dr-1" || recent[0].Scope != "clinic" {
		t.Errorf("patient recent = %+v", recent)
	}
}

func TestRelayRequiresScopeAndClient(t *testing.T) {
	srv := NewRelayServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws?scope=clinic")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["ok"] != true {
		t.Errorf("healthz = %v", health)
	}
}

func TestRelayClientClose(t *testing.T) {
	url, srv := startRelay(t)
	c := dialRelay(t, url, "clinic", "pt-1")
	waitClients(t, srv, 1)
	if !c.Connected() {
		t.Fatal("not connected after dial")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClients(t, srv, 0)
	if err := c.Publish(context.Background(), "end-call", struct{}{}); err != ErrClosed {
		t.Errorf("Publish after Close err = %v, want ErrClosed", err)
	}
}
