package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	CoursePath  string           `yaml:"course_path"`
	Locale      string           `yaml:"locale"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Progress    ProgressConfig   `yaml:"progress"`
	Content     ContentConfig    `yaml:"content"`
	Narration   NarrationConfig  `yaml:"narration"`
	Plugins     PluginsConfig    `yaml:"plugins"`
	LMS         LMSConfig        `yaml:"lms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this player instance to remote controllers and
// dashboards.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxAttempts   int    `yaml:"max_attempts"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ProgressConfig locates the local progress store.
type ProgressConfig struct {
	Path string `yaml:"path"`
	Key  string `yaml:"key"`
}

// ContentConfig tells the player where slide fragments and audio live.
// BaseURL wins over Directory when both are set.
type ContentConfig struct {
	BaseURL   string `yaml:"base_url"`
	Directory string `yaml:"directory"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type NarrationConfig struct {
	Mode               string `yaml:"mode"` // mock, exec, wav, none
	PlayerCommand      string `yaml:"player_command"`
	SpeechCommand      string `yaml:"speech_command"`
	Voice              string `yaml:"voice"`
	NarrationSelector  string `yaml:"narration_selector"`
	MockDurationMS     int    `yaml:"mock_duration_ms"`
	MockMediaAvailable bool   `yaml:"mock_media_available"`
}

type PluginsConfig struct {
	WASMDirectory string `yaml:"wasm_directory"`
	AuditPrivacy  string `yaml:"audit_privacy_scope"`
}

// LMSConfig selects the SCORM API the bridge talks to. Mode "none" runs
// standalone with every LMS call a no-op.
type LMSConfig struct {
	Mode    string `yaml:"mode"` // none, local
	Path    string `yaml:"path"`
	Learner string `yaml:"learner"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-deck",
		Environment: "development",
		CoursePath:  "course.yaml",
		Locale:      "en",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "deck-player-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/deck-events.db",
			RetentionMode: "attempt",
			RetentionDays: 30,
			MaxAttempts:   10000,
		},
		Progress: ProgressConfig{
			Path: "./data/deck-progress.db",
			Key:  "presentation_progress",
		},
		Content: ContentConfig{
			Directory: ".",
			TimeoutMS: 10000,
		},
		Narration: NarrationConfig{
			Mode:              "mock",
			Voice:             "en-US",
			NarrationSelector: ".narration-panel",
			MockDurationMS:    1500,
		},
		Plugins: PluginsConfig{
			WASMDirectory: "",
			AuditPrivacy:  "internal",
		},
		LMS: LMSConfig{
			Mode:    "none",
			Path:    "./data/deck-lms.db",
			Learner: "local",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DECK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DECK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.CoursePath, "DECK_COURSE_PATH")
	overrideString(&cfg.Locale, "DECK_LOCALE")
	overrideString(&cfg.HTTP.Bind, "DECK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DECK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DECK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DECK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DECK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DECK_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "DECK_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DECK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DECK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "DECK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DECK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DECK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DECK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DECK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DECK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DECK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "DECK_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "DECK_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "DECK_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "DECK_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "DECK_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "DECK_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxAttempts, "DECK_EVENT_STORE_MAX_ATTEMPTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "DECK_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Progress.Path, "DECK_PROGRESS_PATH")
	overrideString(&cfg.Progress.Key, "DECK_PROGRESS_KEY")
	overrideString(&cfg.Content.BaseURL, "DECK_CONTENT_BASE_URL")
	overrideString(&cfg.Content.Directory, "DECK_CONTENT_DIRECTORY")
	overrideInt(&cfg.Content.TimeoutMS, "DECK_CONTENT_TIMEOUT_MS")
	overrideString(&cfg.Narration.Mode, "DECK_NARRATION_MODE")
	overrideString(&cfg.Narration.PlayerCommand, "DECK_NARRATION_PLAYER_COMMAND")
	overrideString(&cfg.Narration.SpeechCommand, "DECK_NARRATION_SPEECH_COMMAND")
	overrideString(&cfg.Narration.Voice, "DECK_NARRATION_VOICE")
	overrideString(&cfg.Narration.NarrationSelector, "DECK_NARRATION_SELECTOR")
	overrideInt(&cfg.Narration.MockDurationMS, "DECK_NARRATION_MOCK_DURATION_MS")
	overrideBool(&cfg.Narration.MockMediaAvailable, "DECK_NARRATION_MOCK_MEDIA_AVAILABLE")
	overrideString(&cfg.Plugins.WASMDirectory, "DECK_PLUGINS_WASM_DIRECTORY")
	overrideString(&cfg.Plugins.AuditPrivacy, "DECK_PLUGINS_AUDIT_PRIVACY_SCOPE")
	overrideString(&cfg.LMS.Mode, "DECK_LMS_MODE")
	overrideString(&cfg.LMS.Path, "DECK_LMS_PATH")
	overrideString(&cfg.LMS.Learner, "DECK_LMS_LEARNER")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.CoursePath == "" {
		return errors.New("course_path must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if err := ValidateNodeID(cfg.Node.ID); err != nil {
		return err
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "attempt", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|attempt|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Progress.Path == "" || cfg.Progress.Key == "" {
		return errors.New("progress.path and progress.key must not be empty")
	}
	if cfg.Content.BaseURL == "" && cfg.Content.Directory == "" {
		return errors.New("content.base_url or content.directory must be set")
	}
	if cfg.Content.TimeoutMS <= 0 {
		return errors.New("content.timeout_ms must be positive")
	}
	switch cfg.Narration.Mode {
	case "mock", "wav", "none":
	case "exec":
		if cfg.Narration.PlayerCommand == "" && cfg.Narration.SpeechCommand == "" {
			return errors.New("narration.player_command or narration.speech_command must be set when mode=exec")
		}
	default:
		return errors.New("narration.mode must be one of mock|exec|wav|none")
	}
	if cfg.Narration.NarrationSelector == "" {
		return errors.New("narration.narration_selector must not be empty")
	}
	if cfg.Plugins.AuditPrivacy == "" {
		return errors.New("plugins.audit_privacy_scope must not be empty")
	}
	switch cfg.LMS.Mode {
	case "none":
	case "local":
		if cfg.LMS.Path == "" {
			return errors.New("lms.path must be set when mode=local")
		}
	default:
		return errors.New("lms.mode must be one of none|local")
	}
	return nil
}

// ValidateNodeID checks that id can be used as a single NATS subject token.
func ValidateNodeID(id string) error {
	if id == "" {
		return errors.New("node.id must not be empty")
	}
	if strings.ContainsAny(id, ".*> ") {
		return errors.New("node.id must not contain NATS subject tokens")
	}
	return nil
}
