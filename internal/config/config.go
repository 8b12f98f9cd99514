package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/goopchat/internal/util"
)

// FileName is the config file inside a client directory.
const FileName = "goopchat.json"

type Config struct {
	Server      Server      `json:"server"`
	Session     Session     `json:"session"`
	Credentials Credentials `json:"credentials"`
	Logging     Logging     `json:"logging"`
}

type Server struct {
	APIURL     string `json:"api_url"`
	AuthURL    string `json:"auth_url"`
	SocketURL  string `json:"socket_url"`
	TokenParam string `json:"token_param"`
}

type Session struct {
	ReconnectDelayMs          int `json:"reconnect_delay_ms"`
	PresenceIntervalMs        int `json:"presence_interval_ms"`
	RequestTimeoutSeconds     int `json:"request_timeout_seconds"`
	ProvisionalTimeoutSeconds int `json:"provisional_timeout_seconds"` // 0 disables
	DialTimeoutSeconds        int `json:"dial_timeout_seconds"`
}

type Credentials struct {
	TokenFile string `json:"token_file"`
	Watch     bool   `json:"watch"`
}

type Logging struct {
	Level string `json:"level"`
	// Format is one of "color", "plain" or "json".
	Format string `json:"format"`
	// Subsystems overrides the level per logger name, e.g. {"conn": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Server: Server{
			APIURL:     "http://localhost:8080/api",
			AuthURL:    "http://localhost:3000/api/v1",
			SocketURL:  "ws://localhost:8080/ws",
			TokenParam: "token",
		},
		Session: Session{
			ReconnectDelayMs:          3000,
			PresenceIntervalMs:        5000,
			RequestTimeoutSeconds:     10,
			ProvisionalTimeoutSeconds: 30,
			DialTimeoutSeconds:        10,
		},
		Credentials: Credentials{
			TokenFile: "data/tokens.json",
			Watch:     true,
		},
		Logging: Logging{
			Level:  "info",
			Format: "color",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if err := validateURL(c.Server.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}
	if err := validateURL(c.Server.AuthURL, "http", "https"); err != nil {
		return fmt.Errorf("server.auth_url: %w", err)
	}
	if err := validateURL(c.Server.SocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.socket_url: %w", err)
	}
	if strings.TrimSpace(c.Server.TokenParam) == "" {
		return errors.New("server.token_param is required")
	}

	// Session
	if c.Session.ReconnectDelayMs < 100 {
		return errors.New("session.reconnect_delay_ms must be >= 100")
	}
	if c.Session.PresenceIntervalMs < 100 {
		return errors.New("session.presence_interval_ms must be >= 100")
	}
	if c.Session.RequestTimeoutSeconds <= 0 {
		return errors.New("session.request_timeout_seconds must be > 0")
	}
	if c.Session.ProvisionalTimeoutSeconds < 0 {
		return errors.New("session.provisional_timeout_seconds must be >= 0")
	}
	if c.Session.DialTimeoutSeconds <= 0 {
		return errors.New("session.dial_timeout_seconds must be > 0")
	}

	// Credentials
	if strings.TrimSpace(c.Credentials.TokenFile) == "" {
		return errors.New("credentials.token_file is required")
	}

	// Logging
	switch c.Logging.Format {
	case "color", "plain", "json":
	default:
		return errors.New("logging.format must be color, plain or json")
	}
	if !validLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not a level", c.Logging.Level)
	}
	for name, lvl := range c.Logging.Subsystems {
		if !validLevel(lvl) {
			return fmt.Errorf("logging.subsystems.%s: %q is not a level", name, lvl)
		}
	}

	return nil
}

func validLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
		return true
	}
	return false
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
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
	return nil
}

func (s Session) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

func (s Session) PresenceInterval() time.Duration {
	return time.Duration(s.PresenceIntervalMs) * time.Millisecond
}

func (s Session) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

func (s Session) ProvisionalTimeout() time.Duration {
	return time.Duration(s.ProvisionalTimeoutSeconds) * time.Second
}

func (s Session) DialTimeout() time.Duration {
	return time.Duration(s.DialTimeoutSeconds) * time.Second
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

// LoadPartial reads a config file without validation.
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

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
