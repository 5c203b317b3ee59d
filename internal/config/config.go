package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"birbstream/native/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceRTP  = "rtp"
	SourceFile = "file"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Source        string `yaml:"source"`
	RTPListenAddr string `yaml:"rtp_listen_addr"`
	H264File      string `yaml:"h264_file"`
	FrameRate     int    `yaml:"frame_rate"`

	ICEServers         []string      `yaml:"ice_servers"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	DisconnectGrace    time.Duration `yaml:"disconnect_grace"`
	SinkQueueSize      int           `yaml:"sink_queue_size"`
	PionLogLevel       string        `yaml:"pion_log_level"`

	ChatHistory int `yaml:"chat_history"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		ListenAddr:         ":8051",
		Source:             SourceRTP,
		RTPListenAddr:      "127.0.0.1:5004",
		FrameRate:          30,
		ICEServers:         []string{"stun:stun.l.google.com:19302"},
		NegotiationTimeout: 15 * time.Second,
		SinkQueueSize:      256,
		PionLogLevel:       "error",
		ChatHistory:        50,
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// a .env file (if present) and environment variables, in increasing order of
// precedence. Errors wrap domain.ErrConfiguration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfiguration, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfiguration, path, err)
		}
	}

	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.Source, "SOURCE")
	setString(&c.RTPListenAddr, "RTP_LISTEN_ADDR")
	setString(&c.H264File, "H264_FILE")
	setString(&c.PionLogLevel, "PION_LOG_LEVEL")

	if v := os.Getenv("ICE_SERVERS"); v != "" {
		c.ICEServers = splitList(v)
	}

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"FRAME_RATE", &c.FrameRate},
		{"SINK_QUEUE_SIZE", &c.SinkQueueSize},
		{"CHAT_HISTORY", &c.ChatHistory},
	} {
		if err := setInt(f.dst, f.key); err != nil {
			return err
		}
	}

	if err := setDuration(&c.NegotiationTimeout, "NEGOTIATION_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&c.DisconnectGrace, "DISCONNECT_GRACE")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	switch c.Source {
	case SourceRTP:
		if c.RTPListenAddr == "" {
			return fmt.Errorf("RTP_LISTEN_ADDR is required for the rtp source")
		}
	case SourceFile:
		if c.H264File == "" {
			return fmt.Errorf("H264_FILE is required for the file source")
		}
	default:
		return fmt.Errorf("SOURCE must be %q or %q, got %q", SourceRTP, SourceFile, c.Source)
	}
	if c.FrameRate < 1 || c.FrameRate > 240 {
		return fmt.Errorf("FRAME_RATE must be between 1 and 240, got %d", c.FrameRate)
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("NEGOTIATION_TIMEOUT must be positive, got %s", c.NegotiationTimeout)
	}
	if c.DisconnectGrace < 0 {
		return fmt.Errorf("DISCONNECT_GRACE cannot be negative, got %s", c.DisconnectGrace)
	}
	if c.SinkQueueSize < 1 {
		return fmt.Errorf("SINK_QUEUE_SIZE must be at least 1, got %d", c.SinkQueueSize)
	}
	if c.ChatHistory < 1 {
		return fmt.Errorf("CHAT_HISTORY must be at least 1, got %d", c.ChatHistory)
	}
	for _, s := range c.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ICE_SERVERS entry %q is not a stun: or turn: URL", s)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
