// internal/config/config-edge.go
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fisaks/relexbox/internal/logging"
)

/* =========================
   Types
   ========================= */

const (
	DefaultPort                 = 13013
	DefaultReconnectDelayMs     = 10000
	DefaultMaxReconnectAttempts = 60
	DefaultPingIntervalMs       = 55000
	DefaultDialTimeoutMs        = 6000
	DefaultWriteTimeoutMs       = 2000
	DefaultCommandBufferSize    = 16
	DefaultHeartbeatInterval    = 60
)

type EdgeConfig struct {
	Boxes             []*BoxConfig `json:"boxes" yaml:"boxes"`
	HeartbeatInterval int          `json:"heartbeatInterval" yaml:"heartbeatInterval"` // seconds, global heartbeat cadence
	CommandBufferSize int          `json:"commandBufferSize" yaml:"commandBufferSize"`
}

type BoxConfig struct {
	Name                 string `json:"name" yaml:"name"`
	Host                 string `json:"host" yaml:"host"`
	Port                 int    `json:"port" yaml:"port"`
	ReconnectDelayMs     int    `json:"reconnectDelayMs" yaml:"reconnectDelayMs"`
	MaxReconnectAttempts *int   `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts,omitempty"` // nil -> default, 0 -> unbounded
	PingIntervalMs       int    `json:"pingIntervalMs" yaml:"pingIntervalMs"`
	DialTimeoutMs        int    `json:"dialTimeoutMs" yaml:"dialTimeoutMs"`
	WriteTimeoutMs       int    `json:"writeTimeoutMs" yaml:"writeTimeoutMs"`
	Debug                bool   `json:"debug" yaml:"debug"`
}

/* =========================
   Helpers
   ========================= */

func (b BoxConfig) Address() string { return fmt.Sprintf("%s:%d", b.Host, b.Port) }

func (b BoxConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelayMs) * time.Millisecond
}
func (b BoxConfig) PingInterval() time.Duration {
	return time.Duration(b.PingIntervalMs) * time.Millisecond
}
func (b BoxConfig) DialTimeout() time.Duration {
	return time.Duration(b.DialTimeoutMs) * time.Millisecond
}
func (b BoxConfig) WriteTimeout() time.Duration {
	return time.Duration(b.WriteTimeoutMs) * time.Millisecond
}
func (b BoxConfig) MaxAttempts() int {
	if b.MaxReconnectAttempts == nil {
		return DefaultMaxReconnectAttempts
	}
	return *b.MaxReconnectAttempts
}

func (c EdgeConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c EdgeConfig) FindBox(name string) *BoxConfig {
	for _, b := range c.Boxes {
		if b.Name == name {
			return b
		}
	}
	return nil
}

/* =========================
   Strict load + validate
   ========================= */

func LoadEdgeConfig(path string) (*EdgeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(raw)
	default:
		return decodeJSON(raw)
	}
}

func LoadEdgeConfigFromReader(r io.Reader) (*EdgeConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (*EdgeConfig, error) {
	clean := stripJSONComments(raw)

	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()

	var cfg EdgeConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return finish(&cfg)
}

func decodeYAML(raw []byte) (*EdgeConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg EdgeConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *EdgeConfig) (*EdgeConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate fills defaults and reports every problem at once.
func (c *EdgeConfig) Validate() error {
	var errs multiErr

	/* Boxes */
	if len(c.Boxes) == 0 {
		errs.add("boxes cannot be empty")
	}
	seen := map[string]int{}
	for i, b := range c.Boxes {
		if b == nil {
			errs.addf("boxes[%d]: empty entry", i)
			continue
		}
		if strings.TrimSpace(b.Name) == "" {
			errs.addf("boxes[%d]: name is required", i)
		} else if j, ok := seen[b.Name]; ok {
			errs.addf("boxes[%d]: duplicate name %q (also at boxes[%d])", i, b.Name, j)
		} else {
			seen[b.Name] = i
		}
		if strings.ContainsAny(b.Name, "/+#") {
			errs.addf("boxes[%d/%s]: name cannot contain MQTT wildcards or '/'", i, b.Name)
		}
		if strings.TrimSpace(b.Host) == "" {
			errs.addf("boxes[%d/%s]: host is required", i, b.Name)
		}

		if b.Port == 0 {
			b.Port = DefaultPort
		}
		if b.Port < 0 || b.Port > 65535 {
			errs.addf("boxes[%d/%s]: port must be 1..65535", i, b.Name)
		}
		if b.ReconnectDelayMs == 0 {
			b.ReconnectDelayMs = DefaultReconnectDelayMs
		}
		if b.PingIntervalMs == 0 {
			b.PingIntervalMs = DefaultPingIntervalMs
		}
		if b.DialTimeoutMs == 0 {
			b.DialTimeoutMs = DefaultDialTimeoutMs
		}
		if b.WriteTimeoutMs == 0 {
			b.WriteTimeoutMs = DefaultWriteTimeoutMs
		}
		if b.ReconnectDelayMs < 0 || b.PingIntervalMs < 0 || b.DialTimeoutMs < 0 || b.WriteTimeoutMs < 0 {
			errs.addf("boxes[%d/%s]: timings cannot be negative", i, b.Name)
		}
		if b.MaxAttempts() < 0 {
			errs.addf("boxes[%d/%s]: maxReconnectAttempts cannot be negative", i, b.Name)
		} else if b.MaxAttempts() == 0 {
			logging.Warn("maxReconnectAttempts=0 configured, box will retry forever", "box", b.Name)
		}
	}

	/* Edge */
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatInterval == 0 {
		logging.Warn("heartbeatInterval=0 configured, heartbeats disabled")
	}
	if c.CommandBufferSize == 0 {
		c.CommandBufferSize = DefaultCommandBufferSize
	}
	if c.CommandBufferSize < 0 {
		errs.add("commandBufferSize cannot be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripJSONComments removes /* */ blocks and whole-line // comments.
// Trailing // comments are left alone so "tcp://host" values survive.
func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
