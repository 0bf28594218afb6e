package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func valid() Config {
	c := Default()
	c.Identity.UserID = "dr-1"
	c.Identity.Role = "doctor"
	c.Signaling.RelayURL = "ws://127.0.0.1:8790"
	return c
}

func TestDefaultNeedsIdentity(t *testing.T) {
	c := Default()
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "identity.user_id") {
		t.Fatalf("Validate(Default) = %v, want user_id error", err)
	}
	c = valid()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad role", func(c *Config) { c.Identity.Role = "nurse" }, "identity.role"},
		{"scope with space", func(c *Config) { c.Signaling.Scope = "my clinic" }, "signaling.scope"},
		{"unknown backend", func(c *Config) { c.Signaling.Backend = "smoke" }, "signaling.backend"},
		{"relay without url", func(c *Config) { c.Signaling.RelayURL = "" }, "signaling.relay_url"},
		{"relay bad scheme", func(c *Config) { c.Signaling.RelayURL = "ftp://x" }, "signaling.relay_url"},
		{"relay unspecified host", func(c *Config) { c.Signaling.RelayURL = "ws://0.0.0.0:1" }, "signaling.relay_url"},
		{"nats without url", func(c *Config) {
			c.Signaling.Backend = BackendNATS
			c.Signaling.NATS.URL = ""
		}, "signaling.nats.url"},
		{"p2p port", func(c *Config) {
			c.Signaling.Backend = BackendP2P
			c.Signaling.P2P.ListenPort = 70000
		}, "listen_port"},
		{"no stun", func(c *Config) { c.ICE.STUN = nil }, "ice.stun"},
		{"turn url", func(c *Config) { c.ICE.STUN = []string{"turn:x"} }, "ice.stun"},
		{"no db", func(c *Config) { c.Storage.DBPath = " " }, "storage.db_path"},
		{"bad viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "localhost" }, "viewer.http_addr"},
		{"bad media source", func(c *Config) { c.Media.Source = "screen" }, "media.source"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad subsystem level", func(c *Config) { c.Log.Subsystems = map[string]string{"call": "x"} }, "log.subsystems.call"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}

	local := valid()
	local.Signaling.Backend = BackendLocal
	local.Signaling.RelayURL = ""
	if err := local.Validate(); err != nil {
		t.Errorf("local backend: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"telehealth.json", "telehealth.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			c := valid()
			c.Signaling.P2P.Bootstrap = []string{"/ip4/10.0.0.1/tcp/4001/p2p/QmPeer"}
			c.Log.Subsystems = map[string]string{"call": "debug"}
			if err := Save(path, c); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.SessionChanged(c) {
				t.Errorf("round trip changed session settings: %+v", got)
			}
			if got.Log.Subsystems["call"] != "debug" {
				t.Errorf("subsystems = %v", got.Log.Subsystems)
			}
		})
	}
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telehealth.yml")
	yml := "identity:\n  user_id: pt-1\nsignaling:\n  backend: nats\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Identity.Role != "patient" || c.Signaling.Scope != "clinic" || c.Signaling.NATS.URL == "" {
		t.Errorf("defaults lost: %+v", c)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telehealth.json")
	body := `{"identity":{"user_id":"pt-1"},"signaling":{"backend":"local"}}`
	if err := os.WriteFile(path, append([]byte{0xEF, 0xBB, 0xBF}, body...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer", "telehealth.json")
	c, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created || c.Signaling.Backend != BackendRelay {
		t.Errorf("created=%v cfg=%+v", created, c)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}

	// The written default has no user id yet.
	if _, _, err := Ensure(path); err == nil {
		t.Error("Ensure on incomplete file succeeded")
	}
	if _, err := LoadPartial(path); err != nil {
		t.Errorf("LoadPartial: %v", err)
	}
}

func TestSessionChanged(t *testing.T) {
	a := valid()
	b := valid()
	b.Viewer.HTTPAddr = "127.0.0.1:9999"
	b.Log.Level = "debug"
	if a.SessionChanged(b) {
		t.Error("viewer/log change treated as session change")
	}
	b.Signaling.Scope = "ward-2"
	if !a.SessionChanged(b) {
		t.Error("scope change not detected")
	}
	c := valid()
	c.Identity.DisplayName = "Dr. House"
	if !a.SessionChanged(c) {
		t.Error("identity change not detected")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telehealth.json")
	c := valid()
	if err := Save(path, c); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	if err := Watch(ctx, path, func(c Config) { got <- c }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	c.Signaling.Scope = "ward-2"
	if err := Save(path, c); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-got:
		if n.Signaling.Scope != "ward-2" {
			t.Errorf("reloaded scope = %q", n.Signaling.Scope)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}
