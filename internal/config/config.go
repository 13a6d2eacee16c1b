package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ship-commander/wamux/internal/credstore"
)

const (
	// HomeEnv overrides the ~/.wamux state directory.
	HomeEnv = "WAMUX_HOME"

	defaultSessionID          = "default"
	defaultListenAddr         = "127.0.0.1:8790"
	defaultStartTimeout       = 60 * time.Second
	defaultStaleMessageWindow = 30 * time.Second
	defaultReconnectAttempts  = 5
	defaultReconnectDelay     = 5 * time.Second
	defaultPairingTimeout     = 90 * time.Second
	defaultPairingAttempts    = 3
	defaultPairingRetryDelay  = 2 * time.Second
	defaultBridgeCommand      = "wamux-bridge"
	defaultHeartbeatInterval  = 15 * time.Second
	defaultShutdownGrace      = 5 * time.Second
	defaultLogLevel           = "info"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Home               string
	DefaultSessionID   string
	AuthDir            string
	ListenAddr         string
	AutoReconnect      bool
	StartTimeout       time.Duration
	StaleMessageWindow time.Duration
	Reconnect          ReconnectConfig
	Pairing            PairingConfig
	Bridge             BridgeConfig
	Stream             StreamConfig
	LogLevel           string
	OTelEndpoint       string
}

// ReconnectConfig tunes the linear reconnect policy.
type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// PairingConfig tunes pairing-code requests.
type PairingConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// BridgeConfig describes the client process each session launches.
type BridgeConfig struct {
	Command           string
	Args              []string
	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration
}

// StreamConfig guards the event stream endpoint.
type StreamConfig struct {
	AuthToken      string
	AllowedOrigins []string
}

type fileConfig struct {
	DefaultSessionID   *string        `toml:"default_session_id"`
	AuthDir            *string        `toml:"auth_dir"`
	ListenAddr         *string        `toml:"listen_addr"`
	AutoReconnect      *bool          `toml:"auto_reconnect"`
	StartTimeout       *string        `toml:"start_timeout"`
	StaleMessageWindow *string        `toml:"stale_message_window"`
	LogLevel           *string        `toml:"log_level"`
	Reconnect          *reconnectFile `toml:"reconnect"`
	Pairing            *pairingFile   `toml:"pairing"`
	Bridge             *bridgeFile    `toml:"bridge"`
	Stream             *streamFile    `toml:"stream"`
	OTel               *otelFile      `toml:"otel"`
}

type reconnectFile struct {
	MaxAttempts *int    `toml:"max_attempts"`
	BaseDelay   *string `toml:"base_delay"`
}

type pairingFile struct {
	Timeout     *string `toml:"timeout"`
	MaxAttempts *int    `toml:"max_attempts"`
	RetryDelay  *string `toml:"retry_delay"`
}

type bridgeFile struct {
	Command           *string  `toml:"command"`
	Args              []string `toml:"args"`
	HeartbeatInterval *string  `toml:"heartbeat_interval"`
	ShutdownGrace     *string  `toml:"shutdown_grace"`
}

type streamFile struct {
	AuthToken      *string  `toml:"auth_token"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type otelFile struct {
	Endpoint *string `toml:"endpoint"`
}

// Home returns $WAMUX_HOME or ~/.wamux.
func Home() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(HomeEnv)); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".wamux"), nil
}

// Load reads config from the wamux home config.toml and overlays a
// project-local .wamux/config.toml.
func Load(ctx context.Context) (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(home)
	paths := []string{
		filepath.Join(home, "config.toml"),
		filepath.Join(workingDir, ".wamux", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults(home string) Config {
	return Config{
		Home:               home,
		DefaultSessionID:   defaultSessionID,
		AuthDir:            filepath.Join(home, "auth"),
		ListenAddr:         defaultListenAddr,
		AutoReconnect:      true,
		StartTimeout:       defaultStartTimeout,
		StaleMessageWindow: defaultStaleMessageWindow,
		Reconnect: ReconnectConfig{
			MaxAttempts: defaultReconnectAttempts,
			BaseDelay:   defaultReconnectDelay,
		},
		Pairing: PairingConfig{
			Timeout:     defaultPairingTimeout,
			MaxAttempts: defaultPairingAttempts,
			RetryDelay:  defaultPairingRetryDelay,
		},
		Bridge: BridgeConfig{
			Command:           defaultBridgeCommand,
			HeartbeatInterval: defaultHeartbeatInterval,
			ShutdownGrace:     defaultShutdownGrace,
		},
		LogLevel: defaultLogLevel,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0].String(), path)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applySectionOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.DefaultSessionID != nil {
		id := strings.TrimSpace(*decoded.DefaultSessionID)
		if err := credstore.ValidateID(id); err != nil {
			return fmt.Errorf("parse default_session_id in %q: %w", path, err)
		}
		cfg.DefaultSessionID = id
	}
	if decoded.AuthDir != nil {
		dir, err := expandHome(*decoded.AuthDir)
		if err != nil {
			return fmt.Errorf("parse auth_dir in %q: %w", path, err)
		}
		cfg.AuthDir = dir
	}
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
	if decoded.AutoReconnect != nil {
		cfg.AutoReconnect = *decoded.AutoReconnect
	}
	if decoded.LogLevel != nil {
		level := normalizeKey(*decoded.LogLevel)
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("parse log_level in %q: must be debug, info, warn or error", path)
		}
		cfg.LogLevel = level
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.StartTimeout != nil {
		value, err := parseDuration(*decoded.StartTimeout, "start_timeout", path)
		if err != nil {
			return err
		}
		cfg.StartTimeout = value
	}
	if decoded.StaleMessageWindow != nil {
		value, err := parseDuration(*decoded.StaleMessageWindow, "stale_message_window", path)
		if err != nil {
			return err
		}
		cfg.StaleMessageWindow = value
	}
	return nil
}

func applySectionOverrides(cfg *Config, decoded fileConfig, path string) error {
	if r := decoded.Reconnect; r != nil {
		if r.MaxAttempts != nil {
			value, err := positiveInt(*r.MaxAttempts, "reconnect.max_attempts", path)
			if err != nil {
				return err
			}
			cfg.Reconnect.MaxAttempts = value
		}
		if r.BaseDelay != nil {
			value, err := parseDuration(*r.BaseDelay, "reconnect.base_delay", path)
			if err != nil {
				return err
			}
			cfg.Reconnect.BaseDelay = value
		}
	}

	if p := decoded.Pairing; p != nil {
		if p.Timeout != nil {
			value, err := parseDuration(*p.Timeout, "pairing.timeout", path)
			if err != nil {
				return err
			}
			cfg.Pairing.Timeout = value
		}
		if p.MaxAttempts != nil {
			value, err := positiveInt(*p.MaxAttempts, "pairing.max_attempts", path)
			if err != nil {
				return err
			}
			cfg.Pairing.MaxAttempts = value
		}
		if p.RetryDelay != nil {
			value, err := parseDuration(*p.RetryDelay, "pairing.retry_delay", path)
			if err != nil {
				return err
			}
			cfg.Pairing.RetryDelay = value
		}
	}

	if b := decoded.Bridge; b != nil {
		if b.Command != nil {
			command := strings.TrimSpace(*b.Command)
			if command == "" {
				return fmt.Errorf("parse bridge.command in %q: must not be empty", path)
			}
			cfg.Bridge.Command = command
		}
		if b.Args != nil {
			cfg.Bridge.Args = append([]string(nil), b.Args...)
		}
		if b.HeartbeatInterval != nil {
			value, err := parseDuration(*b.HeartbeatInterval, "bridge.heartbeat_interval", path)
			if err != nil {
				return err
			}
			cfg.Bridge.HeartbeatInterval = value
		}
		if b.ShutdownGrace != nil {
			value, err := parseDuration(*b.ShutdownGrace, "bridge.shutdown_grace", path)
			if err != nil {
				return err
			}
			cfg.Bridge.ShutdownGrace = value
		}
	}

	if s := decoded.Stream; s != nil {
		if s.AuthToken != nil {
			cfg.Stream.AuthToken = strings.TrimSpace(*s.AuthToken)
		}
		if s.AllowedOrigins != nil {
			cfg.Stream.AllowedOrigins = append([]string(nil), s.AllowedOrigins...)
		}
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func positiveInt(value int, key, path string) (int, error) {
	if value <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return value, nil
}

func expandHome(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("must not be empty")
	}
	if value != "~" && !strings.HasPrefix(value, "~/") {
		return value, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(value, "~")), nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
