// Package config loads the Session Engine's process configuration from a
// YAML file with environment-variable overrides, following the same shape
// MrWong99/glyphoxa uses for its provider registry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects how the process drives calls.
type Mode string

const (
	ModeInbound  Mode = "inbound"
	ModeOutbound Mode = "outbound"
	ModeLocal    Mode = "local" // microphone/speaker demo loop, no switch required
)

// Config is the root configuration structure.
type Config struct {
	Mode      Mode            `yaml:"mode"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Speech    SpeechConfig    `yaml:"speech"`
	Store     StoreConfig     `yaml:"store"`
	Spool     SpoolConfig     `yaml:"spool"`
	Features  FeatureFlags    `yaml:"features"`
	Domains   []DomainConfig  `yaml:"domains"`
	Logging   LoggingConfig   `yaml:"logging"`
	Turn      TurnConfig      `yaml:"turn"`
}

// TelephonyConfig addresses the switch's REST/WebSocket control interface.
type TelephonyConfig struct {
	BaseURL       string        `yaml:"base_url"`
	AppName       string        `yaml:"app_name"`
	APIKey        string        `yaml:"api_key"`
	EventsURL     string        `yaml:"events_url"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	CircuitBreaks CircuitConfig `yaml:"circuit_breaker"`
}

// CircuitConfig configures the gobreaker wrapper around telephony REST calls.
type CircuitConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	ResetWindow time.Duration `yaml:"reset_window"`
}

// SpeechConfig addresses the streaming speech provider.
type SpeechConfig struct {
	WSURL              string `yaml:"ws_url"`
	APIKey             string `yaml:"api_key"`
	Voice              string `yaml:"voice"`
	Language           string `yaml:"language"`
	Model              string `yaml:"model"`
	TranscriptionModel string `yaml:"transcription_model"`
	Instructions       string `yaml:"instructions"`
}

// StoreConfig addresses the shared key/value store (Redis).
type StoreConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SpoolConfig holds filesystem paths for audio and recordings.
type SpoolConfig struct {
	RecordingsDir string `yaml:"recordings_dir"`
	SwitchSpool   string `yaml:"switch_spool"`
	CallLogPath   string `yaml:"call_log_path"`
}

// FeatureFlags carries boolean toggles for optional engine behavior.
type FeatureFlags struct {
	EnableContinuousRecordingSegments bool     `yaml:"enable_continuous_recording_segments"`
	LegacySilentPhases                []string `yaml:"legacy_silent_phases"`
}

// DomainConfig selects and configures a registered domain implementation.
type DomainConfig struct {
	Name        string            `yaml:"name"`
	BotName     string            `yaml:"bot_name"`
	WebhookURL  string            `yaml:"webhook_url"`
	QueueName   string            `yaml:"transfer_queue"`
	MusicClass  string            `yaml:"music_class"`
	ExtraConfig map[string]string `yaml:"extra"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// TurnConfig holds the turn-loop tunables.
type TurnConfig struct {
	MaxTurns             int           `yaml:"max_turns"`
	MaxSilenceSeconds     float64       `yaml:"max_silence_seconds"`
	MaxRecordingMs        int           `yaml:"max_recording_ms"`
	MinRecordingBytes     int           `yaml:"min_recording_bytes"`
	MaxSilentTurns        int           `yaml:"max_silent_turns"`
	TalkingDebounceMs     int           `yaml:"talking_debounce_ms"`
	MinSpeechMs           int           `yaml:"min_speech_ms"`
	MinConfidence         float64       `yaml:"min_confidence"`
	MaxHoldDurationMs     int           `yaml:"max_hold_duration_ms"`
	PlaybackTimeout       time.Duration `yaml:"playback_timeout"`
	MaterializationTimeout time.Duration `yaml:"materialization_timeout"`
}

// Default returns baseline tunables for a standalone engine process.
func Default() Config {
	return Config{
		Mode: ModeInbound,
		Telephony: TelephonyConfig{
			DialTimeout: 10 * time.Second,
			CircuitBreaks: CircuitConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
				ResetWindow: 60 * time.Second,
			},
		},
		Spool: SpoolConfig{
			RecordingsDir: "recordings",
			SwitchSpool:   "/var/spool/switch/recording",
			CallLogPath:   "recordings/call_log.jsonl",
		},
		Logging: LoggingConfig{Format: "text", Level: "info", Output: "stderr"},
		Turn: TurnConfig{
			MaxTurns:               20,
			MaxSilenceSeconds:      2.5,
			MaxRecordingMs:         8500,
			MinRecordingBytes:      3500,
			MaxSilentTurns:         3,
			TalkingDebounceMs:      250,
			MinSpeechMs:            400,
			MinConfidence:          0.6,
			MaxHoldDurationMs:      30000,
			PlaybackTimeout:        30 * time.Second,
			MaterializationTimeout: 2 * time.Second,
		},
	}
}

// Load reads a YAML config file, then overlays environment variables (after
// loading any .env file found in the working directory) for the small set of
// secrets that should never live in a checked-in file.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEPHONY_API_KEY"); v != "" {
		cfg.Telephony.APIKey = v
	}
	if v := os.Getenv("TELEPHONY_BASE_URL"); v != "" {
		cfg.Telephony.BaseURL = v
	}
	if v := os.Getenv("SPEECH_API_KEY"); v != "" {
		cfg.Speech.APIKey = v
	}
	if v := os.Getenv("SPEECH_WS_URL"); v != "" {
		cfg.Speech.WSURL = v
	}
	if v := os.Getenv("STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("AGENT_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("ENABLE_CONTINUOUS_RECORDING_SEGMENTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Features.EnableContinuousRecordingSegments = b
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Mode {
	case ModeInbound, ModeOutbound, ModeLocal:
	default:
		return fmt.Errorf("config: unknown mode %q", cfg.Mode)
	}
	if cfg.Mode != ModeLocal {
		if cfg.Telephony.BaseURL == "" {
			return fmt.Errorf("config: telephony.base_url is required outside local mode")
		}
		if cfg.Store.Addr == "" {
			return fmt.Errorf("config: store.addr is required outside local mode")
		}
	}
	return nil
}
