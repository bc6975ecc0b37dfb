package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/petervdpas/callcore/internal/util"
)

// Signaling modes.
const (
	ModeWS    = "ws"    // WebSocket relay
	ModeSSE   = "sse"   // HTTP POST + server-sent events relay
	ModeP2P   = "p2p"   // direct libp2p streams, user id = peer id
	ModeLocal = "local" // in-process hub, loopback demo
)

// Environment variables applied on top of the config file.
const (
	EnvUserID   = "CALLCORE_USER_ID"
	EnvRelayURL = "CALLCORE_RELAY_URL"
	EnvHTTPAddr = "CALLCORE_HTTP_ADDR"
	EnvLogLevel = "CALLCORE_LOG_LEVEL"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	Call      Call      `json:"call"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// UserID addresses this peer on the relay. Ignored in p2p mode, where the
	// libp2p peer id is used instead.
	UserID  string `json:"user_id"`
	KeyFile string `json:"key_file"`
}

type Signaling struct {
	Mode     string `json:"mode"`
	RelayURL string `json:"relay_url"`

	// p2p mode only
	ListenPort int      `json:"listen_port"`
	MDNS       bool     `json:"mdns"`
	Peers      []string `json:"peers"` // full multiaddrs ending in /p2p/<id>
}

type ICE struct {
	Servers []string `json:"servers"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepaliveIntervalSec   int `json:"keepalive_interval_seconds"`
}

type Media struct {
	PreferredCam   string `json:"preferred_cam"`
	PreferredMic   string `json:"preferred_mic"`
	MaxWidth       int    `json:"max_width"`
	MaxHeight      int    `json:"max_height"`
	VideoBitrateKb int    `json:"video_bitrate_kbps"`

	// Synthetic replaces the camera and microphone with generated tracks.
	Synthetic bool `json:"synthetic"`
}

type Call struct {
	RingTimeoutSec    int `json:"ring_timeout_seconds"`
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
}

type Viewer struct {
	HTTPAddr       string   `json:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	Debug          bool     `json:"debug"`
}

type Log struct {
	Level string `json:"level"` // debug|info|warn|error
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Mode:       ModeWS,
			RelayURL:   "ws://127.0.0.1:8787/ws",
			ListenPort: 0,
			MDNS:       true,
		},
		ICE: ICE{
			Servers:                []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepaliveIntervalSec:   2,
		},
		Media: Media{
			MaxWidth:       640,
			MaxHeight:      480,
			VideoBitrateKb: 1500,
		},
		Call: Call{
			RingTimeoutSec:    45,
			ConnectTimeoutSec: 30,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.Signaling.Mode != ModeP2P {
		if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Signaling
	switch c.Signaling.Mode {
	case ModeWS:
		if err := validateRelayURL(c.Signaling.RelayURL, "ws", "wss"); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	case ModeSSE:
		if err := validateRelayURL(c.Signaling.RelayURL, "http", "https"); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	case ModeP2P:
		if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
			return errors.New("signaling.listen_port must be 0..65535")
		}
	case ModeLocal:
	default:
		return fmt.Errorf("signaling.mode must be one of ws, sse, p2p, local (got %q)", c.Signaling.Mode)
	}

	// ICE
	for _, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers: %q must be a stun: or turn: url", s)
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 {
		return errors.New("ice.disconnected_timeout_seconds must be > 0")
	}
	if c.ICE.FailedTimeoutSec <= c.ICE.DisconnectedTimeoutSec {
		return errors.New("ice.failed_timeout_seconds must be > ice.disconnected_timeout_seconds")
	}
	if c.ICE.KeepaliveIntervalSec <= 0 {
		return errors.New("ice.keepalive_interval_seconds must be > 0")
	}

	// Media
	if c.Media.MaxWidth < 160 || c.Media.MaxHeight < 120 {
		return errors.New("media.max_width/max_height must be at least 160x120")
	}
	if c.Media.VideoBitrateKb < 100 || c.Media.VideoBitrateKb > 20000 {
		return errors.New("media.video_bitrate_kbps must be 100..20000")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_seconds must be > 0")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if err := validateHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}

	return nil
}

func validateRelayURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return errors.New("invalid port")
	}
	return nil
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

// LoadPartial reads a config file without validation. Useful when env
// overrides still need to fill required fields.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
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

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given user id. Env overrides from envFile are applied before
// validation; a missing envFile is not an error. Returns (cfg, createdNew, err).
func Ensure(path, envFile, userID string) (Config, bool, error) {
	var (
		cfg     Config
		created bool
	)
	if _, err := os.Stat(path); err == nil {
		if cfg, err = LoadPartial(path); err != nil {
			return Config{}, false, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	} else {
		cfg = Default()
		cfg.Identity.UserID = userID
		if err := Save(path, cfg); err != nil {
			return Config{}, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}

	if err := ApplyEnvFile(&cfg, envFile); err != nil {
		return Config{}, created, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, created, err
	}
	return cfg, created, nil
}

// ApplyEnvFile loads envFile into the process environment (existing variables
// win) and then applies the CALLCORE_* overrides to cfg.
func ApplyEnvFile(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	ApplyEnv(cfg)
	return nil
}

// ApplyEnv copies set CALLCORE_* variables into cfg.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvUserID); v != "" {
		cfg.Identity.UserID = v
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		cfg.Signaling.RelayURL = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.Viewer.HTTPAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}
