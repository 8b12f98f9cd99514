package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Session.ReconnectDelay() != 3*time.Second {
		t.Fatalf("reconnect delay %s", cfg.Session.ReconnectDelay())
	}
	if cfg.Session.ProvisionalTimeout() != 30*time.Second {
		t.Fatalf("provisional timeout %s", cfg.Session.ProvisionalTimeout())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"socket scheme", func(c *Config) { c.Server.SocketURL = "http://localhost/ws" }, "server.socket_url"},
		{"api host", func(c *Config) { c.Server.APIURL = "http:///api" }, "server.api_url"},
		{"empty auth", func(c *Config) { c.Server.AuthURL = " " }, "server.auth_url"},
		{"token param", func(c *Config) { c.Server.TokenParam = "" }, "token_param"},
		{"reconnect", func(c *Config) { c.Session.ReconnectDelayMs = 10 }, "reconnect_delay_ms"},
		{"provisional", func(c *Config) { c.Session.ProvisionalTimeoutSeconds = -1 }, "provisional_timeout_seconds"},
		{"token file", func(c *Config) { c.Credentials.TokenFile = "" }, "token_file"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"subsystem", func(c *Config) { c.Logging.Subsystems = map[string]string{"conn": "nope"} }, "logging.subsystems.conn"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mod(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"server":{"socket_url":"wss://chat.example/ws"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.SocketURL != "wss://chat.example/ws" {
		t.Fatalf("socket url %q", cfg.Server.SocketURL)
	}
	if cfg.Server.APIURL != Default().Server.APIURL || cfg.Session.PresenceIntervalMs != 5000 {
		t.Fatal("missing fields should keep defaults")
	}
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	os.WriteFile(path, []byte(`{"logging":{"format":"xml"}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("Load should validate")
	}
	cfg, err := LoadPartial(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Format != "xml" {
		t.Fatalf("format %q", cfg.Logging.Format)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client", FileName)

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if cfg.Server.TokenParam != "token" {
		t.Fatal("not the default config")
	}

	_, created, err = Ensure(path)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
}
