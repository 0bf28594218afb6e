package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petervdpas/telehealth/internal/proto"
	"github.com/petervdpas/telehealth/internal/util"
)

// Signaling backends.
const (
	BackendLocal = "local"
	BackendRelay = "relay"
	BackendNATS  = "nats"
	BackendP2P   = "p2p"
)

type Config struct {
	Identity  Identity  `json:"identity" yaml:"identity"`
	Signaling Signaling `json:"signaling" yaml:"signaling"`
	ICE       ICE       `json:"ice" yaml:"ice"`
	Storage   Storage   `json:"storage" yaml:"storage"`
	Viewer    Viewer    `json:"viewer" yaml:"viewer"`
	Media     Media     `json:"media" yaml:"media"`
	Log       Log       `json:"log" yaml:"log"`
}

type Identity struct {
	UserID      string `json:"user_id" yaml:"user_id"`
	Role        string `json:"role" yaml:"role"` // doctor|patient
	DisplayName string `json:"display_name" yaml:"display_name"`
	Specialty   string `json:"specialty" yaml:"specialty"`

	// libp2p identity, used only by the p2p backend.
	KeyFile string `json:"key_file" yaml:"key_file"`
}

type Signaling struct {
	Backend string `json:"backend" yaml:"backend"`

	// Participants only see each other inside the same scope.
	Scope string `json:"scope" yaml:"scope"`

	// Example: ws://10.0.0.5:8790 (the /ws path is added when missing)
	RelayURL string `json:"relay_url" yaml:"relay_url"`

	NATS NATS `json:"nats" yaml:"nats"`
	P2P  P2P  `json:"p2p" yaml:"p2p"`
}

type NATS struct {
	URL             string `json:"url" yaml:"url"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	ReconnectWaitMs int    `json:"reconnect_wait_ms" yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `json:"max_reconnects" yaml:"max_reconnects"` // -1 = unlimited
}

type P2P struct {
	ListenPort int    `json:"listen_port" yaml:"listen_port"`
	MdnsTag    string `json:"mdns_tag" yaml:"mdns_tag"`

	// Multiaddrs with a /p2p/ component, dialed on start.
	Bootstrap []string `json:"bootstrap" yaml:"bootstrap"`
}

type ICE struct {
	STUN []string `json:"stun" yaml:"stun"`

	// 0 = use default.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec" yaml:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec" yaml:"failed_timeout_sec"`
	KeepAliveSec           int `json:"keepalive_sec" yaml:"keepalive_sec"`
	PLIIntervalSec         int `json:"pli_interval_sec" yaml:"pli_interval_sec"`
}

type Storage struct {
	// Relative to the peer directory.
	DBPath string `json:"db_path" yaml:"db_path"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	Debug    bool   `json:"debug" yaml:"debug"`
}

type Media struct {
	Source       string `json:"source" yaml:"source"` // devices|synthetic
	MaxWidth     int    `json:"max_width" yaml:"max_width"`
	MaxHeight    int    `json:"max_height" yaml:"max_height"`
	VideoBitRate int    `json:"video_bitrate" yaml:"video_bitrate"`
}

type Log struct {
	Level      string            `json:"level" yaml:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty" yaml:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Role:    proto.RolePatient,
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Backend: BackendRelay,
			Scope:   "clinic",
			NATS: NATS{
				URL:             "nats://127.0.0.1:4222",
				ReconnectWaitMs: 2000,
				MaxReconnects:   -1,
			},
			P2P: P2P{
				ListenPort: 0,
				MdnsTag:    proto.MdnsTag,
			},
		},
		ICE: ICE{
			STUN: []string{"stun:stun.l.google.com:19302"},
		},
		Storage: Storage{
			DBPath: "data/telehealth.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8780",
		},
		Media: Media{
			Source:       "devices",
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Log: Log{
			Level: "info",
		},
	}
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if c.Identity.Role != proto.RoleDoctor && c.Identity.Role != proto.RolePatient {
		return errors.New("identity.role must be doctor or patient")
	}

	// Signaling
	if _, err := util.ValidateID(c.Signaling.Scope); err != nil {
		return fmt.Errorf("signaling.scope: %w", err)
	}
	switch c.Signaling.Backend {
	case BackendLocal:
	case BackendRelay:
		if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	case BackendNATS:
		if strings.TrimSpace(c.Signaling.NATS.URL) == "" {
			return errors.New("signaling.nats.url is required for the nats backend")
		}
		if c.Signaling.NATS.ReconnectWaitMs < 0 {
			return errors.New("signaling.nats.reconnect_wait_ms must be >= 0")
		}
	case BackendP2P:
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for the p2p backend")
		}
		if c.Signaling.P2P.ListenPort < 0 || c.Signaling.P2P.ListenPort > 65535 {
			return errors.New("signaling.p2p.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Signaling.P2P.MdnsTag) == "" {
			return errors.New("signaling.p2p.mdns_tag is required")
		}
	default:
		return fmt.Errorf("signaling.backend %q must be one of local, relay, nats, p2p", c.Signaling.Backend)
	}

	// ICE
	if len(c.ICE.STUN) == 0 {
		return errors.New("ice.stun needs at least one url")
	}
	for _, s := range c.ICE.STUN {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("ice.stun: %q is not a stun: url", s)
		}
	}
	if c.ICE.DisconnectedTimeoutSec < 0 || c.ICE.FailedTimeoutSec < 0 ||
		c.ICE.KeepAliveSec < 0 || c.ICE.PLIIntervalSec < 0 {
		return errors.New("ice timeouts must be >= 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Media
	switch c.Media.Source {
	case "", "devices", "synthetic":
	default:
		return fmt.Errorf("media.source %q must be devices or synthetic", c.Media.Source)
	}
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.VideoBitRate < 0 {
		return errors.New("media limits must be >= 0")
	}

	// Log
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}
	for sys, lvl := range c.Log.Subsystems {
		if !logLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: %q is not a known level", sys, lvl)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required for the relay backend")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return errors.New("scheme must be ws, wss, http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

// SessionChanged reports whether moving from c to next requires tearing
// down the call session: a different identity, signaling backend or ICE
// setup. Log levels apply in place; the viewer address is read once at
// start.
func (c Config) SessionChanged(next Config) bool {
	return c.Identity != next.Identity ||
		!reflect.DeepEqual(c.Signaling, next.Signaling) ||
		!reflect.DeepEqual(c.ICE, next.ICE) ||
		c.Media != next.Media
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, b []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(b, cfg)
	}
	return json.Unmarshal(b, cfg)
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. A freshly created
// config has no user id yet and would fail Validate.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing on Windows).
	b = stripBOM(b)

	// Start from defaults so missing fields remain initialized.
	cfg := Default()
	if err := decode(path, b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return write(path, cfg)
}

func write(path string, cfg Config) error {
	if isYAML(path) {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		return util.WriteFile(path, b)
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise it writes a default config
// file for the operator to fill in. The default has no user id, so a new
// file is returned unvalidated with createdNew set.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := write(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
