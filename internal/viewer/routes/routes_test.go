package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/telehealth/internal/call"
	"github.com/petervdpas/telehealth/internal/signaling"
	"github.com/petervdpas/telehealth/internal/storage"
)

type stubPeer struct{}

func (stubPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}
func (stubPeer) CreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}
func (stubPeer) ApplyRemoteAnswer(webrtc.SessionDescription) error { return nil }
func (stubPeer) AddRemoteCandidate(webrtc.ICECandidateInit) error  { return nil }
func (stubPeer) SetSending(webrtc.RTPCodecType, bool) error        { return nil }
func (stubPeer) Close() error                                      { return nil }

type testSession struct {
	id call.Identity
	m  *call.Machine
	ch signaling.Channel
}

func (s *testSession) Identity() call.Identity     { return s.id }
func (s *testSession) Machine() *call.Machine      { return s.m }
func (s *testSession) Backend() string             { return "local" }
func (s *testSession) Recent() []signaling.Message { return s.ch.Recent() }
func (s *testSession) Diag() map[string]any        { return nil }

type party struct {
	t   *testing.T
	srv *httptest.Server
}

func newParty(t *testing.T, hub *signaling.Hub, db *storage.DB, id call.Identity) *party {
	t.Helper()
	ch := hub.Join("clinic", id.UserID)
	m := call.New(call.Options{
		Self:     id,
		Signaler: ch,
		Media:    call.SyntheticSource{},
		NewPeer:  func(call.PeerConfig) (call.PeerConn, error) { return stubPeer{}, nil },
		Recorder: db,
	})
	s := &testSession{id: id, m: m, ch: ch}
	mux := http.NewServeMux()
	Register(mux, Deps{Current: func() Session { return s }, DB: db})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		m.Close()
		ch.Close()
	})
	return &party{t: t, srv: srv}
}

func (p *party) do(method, path string, body any) (int, []byte) {
	p.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, p.srv.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		p.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func (p *party) state() call.Snapshot {
	p.t.Helper()
	code, body := p.do(http.MethodGet, "/api/call/state", nil)
	if code != http.StatusOK {
		p.t.Fatalf("state: %d %s", code, body)
	}
	var s call.Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		p.t.Fatalf("decode state: %v", err)
	}
	return s
}

func (p *party) waitState(what string, ok func(call.Snapshot) bool) call.Snapshot {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		s := p.state()
		if ok(s) {
			return s
		}
		if time.Now().After(deadline) {
			p.t.Fatalf("timed out waiting for %s; last %+v", what, s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var (
	doctor  = call.Identity{UserID: "dr-1", Role: call.RoleDoctor, Name: "Dr. House", Specialty: "Diagnostics"}
	patient = call.Identity{UserID: "pt-1", Role: call.RolePatient, Name: "Alice"}
)

func setup(t *testing.T) (*storage.DB, *party, *party) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	for _, a := range []storage.Appointment{
		{ID: 42, PatientID: "pt-1", DoctorID: "dr-1", PatientName: "Alice", DoctorName: "Dr. House", Specialty: "Diagnostics", Date: "2026-10-20T09:30"},
		{ID: 43, PatientID: "pt-2", DoctorID: "dr-1", PatientName: "Bob", DoctorName: "Dr. House", Date: "2026-10-20T10:00"},
	} {
		if err := db.UpsertAppointment(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	hub := signaling.NewHub()
	return db, newParty(t, hub, db, doctor), newParty(t, hub, db, patient)
}

func TestCallFlowOverHTTP(t *testing.T) {
	_, doc, pat := setup(t)

	if code, body := doc.do(http.MethodPost, "/api/call/start", map[string]int64{"appointment_id": 42}); code != http.StatusOK {
		t.Fatalf("start: %d %s", code, body)
	}
	ring := pat.waitState("incoming call with offer", func(s call.Snapshot) bool {
		return s.State == call.StateIncoming && s.HasOffer
	})
	if ring.IncomingCallFrom == nil || ring.IncomingCallFrom.Name != "Dr. House" || ring.IncomingCallFrom.Specialty != "Diagnostics" {
		t.Errorf("caller card = %+v", ring.IncomingCallFrom)
	}

	if code, body := pat.do(http.MethodPost, "/api/call/accept", nil); code != http.StatusOK {
		t.Fatalf("accept: %d %s", code, body)
	}
	doc.waitState("doctor answered", func(s call.Snapshot) bool { return s.State == call.StateActive && s.Answered })

	code, body := doc.do(http.MethodPost, "/api/call/toggle-audio", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"muted":true`) {
		t.Errorf("toggle-audio: %d %s", code, body)
	}
	code, body = pat.do(http.MethodPost, "/api/call/toggle-video", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"disabled":true`) {
		t.Errorf("toggle-video: %d %s", code, body)
	}

	if code, body := pat.do(http.MethodPost, "/api/call/end", nil); code != http.StatusOK {
		t.Fatalf("end: %d %s", code, body)
	}
	doc.waitState("doctor idle", func(s call.Snapshot) bool { return s.State == call.StateIdle })

	// Both sides record the call asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, body := doc.do(http.MethodGet, "/api/calls?appointment_id=42", nil)
		var rows []storage.CallRow
		_ = json.Unmarshal(body, &rows)
		if len(rows) == 2 {
			for _, r := range rows {
				if r.Outcome != "answered" {
					t.Errorf("outcome = %q", r.Outcome)
				}
			}
			if !bytes.Contains(body, []byte(`"duration_ms"`)) {
				t.Errorf("call log has no duration_ms: %s", body)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("call log = %s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallErrorsMapToStatus(t *testing.T) {
	_, doc, pat := setup(t)

	tests := []struct {
		name string
		p    *party
		path string
		body any
		want int
	}{
		{"missing appointment", doc, "/api/call/start", map[string]int64{}, http.StatusBadRequest},
		{"unknown appointment", doc, "/api/call/start", map[string]int64{"appointment_id": 7}, http.StatusNotFound},
		{"patient cannot start", pat, "/api/call/start", map[string]int64{"appointment_id": 42}, http.StatusForbidden},
		{"nothing to accept", doc, "/api/call/accept", nil, http.StatusConflict},
		{"nothing to decline", pat, "/api/call/decline", nil, http.StatusConflict},
		{"nothing to end", doc, "/api/call/end", nil, http.StatusConflict},
		{"nothing to mute", doc, "/api/call/toggle-audio", nil, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := tt.p.do(http.MethodPost, tt.path, tt.body); code != tt.want {
				t.Errorf("%s = %d %s, want %d", tt.path, code, body, tt.want)
			}
		})
	}

	if code, _ := doc.do(http.MethodGet, "/api/call/start", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET start = %d", code)
	}
	if code, _ := doc.do(http.MethodPost, "/api/call/end", "not an object"); code != http.StatusBadRequest {
		t.Errorf("bad json = %d", code)
	}
}

func TestDeclineOverHTTP(t *testing.T) {
	_, doc, pat := setup(t)
	if code, body := doc.do(http.MethodPost, "/api/call/start", map[string]int64{"appointment_id": 42}); code != http.StatusOK {
		t.Fatalf("start: %d %s", code, body)
	}
	pat.waitState("ring", func(s call.Snapshot) bool { return s.State == call.StateIncoming })
	if code, body := pat.do(http.MethodPost, "/api/call/decline", nil); code != http.StatusOK {
		t.Fatalf("decline: %d %s", code, body)
	}
	if s := pat.state(); s.State != call.StateIdle || s.IncomingCallFrom != nil {
		t.Errorf("after decline: %+v", s)
	}
}

func TestAppointmentsAndNotes(t *testing.T) {
	_, doc, pat := setup(t)

	_, body := pat.do(http.MethodGet, "/api/appointments", nil)
	var mine []storage.Appointment
	if err := json.Unmarshal(body, &mine); err != nil || len(mine) != 1 || mine[0].ID != 42 {
		t.Fatalf("patient appointments = %s", body)
	}
	_, body = doc.do(http.MethodGet, "/api/appointments", nil)
	if err := json.Unmarshal(body, &mine); err != nil || len(mine) != 2 {
		t.Fatalf("doctor appointments = %s", body)
	}

	if code, _ := pat.do(http.MethodGet, "/api/appointments/43", nil); code != http.StatusNotFound {
		t.Errorf("foreign appointment = %d", code)
	}
	if code, _ := pat.do(http.MethodGet, "/api/appointments/abc", nil); code != http.StatusNotFound {
		t.Errorf("bad id = %d", code)
	}
	if code, _ := pat.do(http.MethodPost, "/api/appointments/42/notes", map[string]string{"notes": "x"}); code != http.StatusForbidden {
		t.Errorf("patient writing notes = %d", code)
	}

	note := "BP 120/80"
	if code, body := doc.do(http.MethodPost, "/api/appointments/42/notes", map[string]string{"notes": note}); code != http.StatusOK {
		t.Fatalf("save notes: %d %s", code, body)
	}
	code, body := pat.do(http.MethodGet, "/api/appointments/42/notes", nil)
	if code != http.StatusOK || !strings.Contains(string(body), note) {
		t.Errorf("read notes: %d %s", code, body)
	}
	code, body = pat.do(http.MethodGet, "/api/appointments/42", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"doctor_name":"Dr. House"`) {
		t.Errorf("appointment: %d %s", code, body)
	}
}

func TestEventsStream(t *testing.T) {
	_, doc, pat := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, pat.srv.URL+"/api/call/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	if code, body := doc.do(http.MethodPost, "/api/call/start", map[string]int64{"appointment_id": 42}); code != http.StatusOK {
		t.Fatalf("start: %d %s", code, body)
	}

	var seen strings.Builder
	timeout := time.After(3 * time.Second)
	for !strings.Contains(seen.String(), `"state":"incoming"`) {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed; got %q", seen.String())
			}
			seen.WriteString(l)
		case <-timeout:
			t.Fatalf("no incoming snapshot; got %q", seen.String())
		}
	}
	if !strings.HasPrefix(seen.String(), "event: connected") {
		t.Errorf("stream starts with %q", seen.String()[:20])
	}
}

func TestNoSessionIsUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux, Deps{Current: func() Session { return nil }})
	for _, path := range []string{"/api/call/state", "/api/self", "/api/call/events"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{call.ErrNotDoctor, http.StatusForbidden},
		{call.ErrBusy, http.StatusConflict},
		{fmt.Errorf("appointment 9: %w", storage.ErrNotFound), http.StatusNotFound},
		{&call.Error{Op: "apply answer", Err: fmt.Errorf("%w: x", call.ErrNegotiation)}, http.StatusBadGateway},
		{fmt.Errorf("start: %w", call.ErrMediaUnavailable), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
