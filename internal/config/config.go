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
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

type SessionConfig struct {
	MaxSessions   int `yaml:"max_sessions"`
	TimeoutMS     int `yaml:"timeout_ms"`
	ThrottleFPS   int `yaml:"throttle_fps"`
	ReceivePollMS int `yaml:"receive_poll_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PipelineConfig struct {
	Mode         string `yaml:"mode"` // mock, exec
	Command      string `yaml:"command"`
	ManifestPath string `yaml:"manifest_path"`
}

type ImageProcConfig struct {
	Enabled            bool    `yaml:"enabled"`
	HumanSeg           bool    `yaml:"human_seg"`
	Blur               bool    `yaml:"blur"`
	Brightness         float64 `yaml:"brightness"`
	InfraredColorize   bool    `yaml:"infrared_colorize"`
	AcidStrength       float64 `yaml:"acid_strength"`
	AcidStrengthFG     float64 `yaml:"acid_strength_foreground"`
	CoefNoise          float64 `yaml:"coef_noise"`
	AcidTracers        bool    `yaml:"acid_tracers"`
	AcidWobblers       bool    `yaml:"acid_wobblers"`
	ZoomFactor         float64 `yaml:"zoom_factor"`
	XShift             int     `yaml:"x_shift"`
	YShift             int     `yaml:"y_shift"`
	ColorMatching      float64 `yaml:"color_matching"`
	BackgroundRemoval  bool    `yaml:"background_removal"`
	MarginDiffusion    int     `yaml:"margin_diffusion"`
	ResizingFactorSeg  float64 `yaml:"resizing_factor_humanseg"`
}

type AudioConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Mode               string  `yaml:"mode"` // mock, exec
	Command            string  `yaml:"command"`
	DeviceIndex        int     `yaml:"device_index"`
	FrequencyBins      int     `yaml:"frequency_bins"`
	BaselineWindow     int     `yaml:"baseline_window"`
	LowBinSensitivity  float64 `yaml:"low_bin_sensitivity"`
	HighBinSensitivity float64 `yaml:"high_bin_sensitivity"`
	MinZoom            float64 `yaml:"min_zoom"`
	MaxZoom            float64 `yaml:"max_zoom"`
	RebalanceRate      float64 `yaml:"rebalance_rate"`
	ActivityThreshold  float64 `yaml:"activity_threshold"`
	AmplifyingFactor   float64 `yaml:"amplifying_factor"`
}

type OscillatorConfig struct {
	UseTestZoom       bool    `yaml:"use_test_zoom"`
	UseTestShift      bool    `yaml:"use_test_shift"`
	MinZoom           float64 `yaml:"min_zoom"`
	MaxZoom           float64 `yaml:"max_zoom"`
	ZoomIncrement     float64 `yaml:"zoom_increment"`
	StabilizeDuration int     `yaml:"stabilize_duration"`
	XMax              int     `yaml:"x_max"`
	YMax              int     `yaml:"y_max"`
	XShiftIncrement   int     `yaml:"x_shift_increment"`
	YShiftIncrement   int     `yaml:"y_shift_increment"`
}

type SafetyConfig struct {
	Enabled bool `yaml:"enabled"`
	// FlagEvery is the mock checker's cadence; 0 never flags.
	FlagEvery int `yaml:"flag_every"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Debug       bool             `yaml:"debug"`
	HTTP        HTTPConfig       `yaml:"http"`
	Session     SessionConfig    `yaml:"session"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	ImageProc   ImageProcConfig  `yaml:"image_proc"`
	Audio       AudioConfig      `yaml:"audio"`
	Oscillator  OscillatorConfig `yaml:"oscillator"`
	Safety      SafetyConfig     `yaml:"safety"`
}

func Default() Config {
	return Config{
		RuntimeName: "mirage-orchestrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 7860,
		},
		Session: SessionConfig{
			MaxSessions:   4,
			TimeoutMS:     0,
			ThrottleFPS:   120,
			ReceivePollMS: 250,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "mirage-node-1",
			Role:              "orchestrator",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/mirage-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Pipeline: PipelineConfig{
			Mode: "mock",
		},
		ImageProc: ImageProcConfig{
			Enabled:           true,
			HumanSeg:          true,
			Blur:              false,
			Brightness:        1.0,
			InfraredColorize:  false,
			AcidStrength:      0.11,
			AcidStrengthFG:    0.11,
			CoefNoise:         0.15,
			AcidTracers:       false,
			AcidWobblers:      false,
			ZoomFactor:        1.0,
			ColorMatching:     0.5,
			BackgroundRemoval: true,
			MarginDiffusion:   256,
			ResizingFactorSeg: 0.4,
		},
		Audio: AudioConfig{
			Enabled:            false,
			Mode:               "mock",
			FrequencyBins:      3,
			BaselineWindow:     30,
			LowBinSensitivity:  1.0,
			HighBinSensitivity: 1.0,
			MinZoom:            1.0,
			MaxZoom:            2.0,
			RebalanceRate:      0.005,
			ActivityThreshold:  0.01,
			AmplifyingFactor:   100000,
		},
		Oscillator: OscillatorConfig{
			UseTestZoom:       false,
			UseTestShift:      false,
			MinZoom:           0.5,
			MaxZoom:           1.5,
			ZoomIncrement:     0.03,
			StabilizeDuration: 3,
			XMax:              50,
			YMax:              50,
			XShiftIncrement:   5,
			YShiftIncrement:   5,
		},
		Safety: SafetyConfig{
			Enabled: false,
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
	overrideString(&cfg.RuntimeName, "MIRAGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MIRAGE_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.Debug, "MIRAGE_DEBUG")
	overrideString(&cfg.HTTP.Bind, "MIRAGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MIRAGE_HTTP_PORT")
	overrideString(&cfg.HTTP.TLSCertFile, "MIRAGE_HTTP_TLS_CERT_FILE")
	overrideString(&cfg.HTTP.TLSKeyFile, "MIRAGE_HTTP_TLS_KEY_FILE")
	overrideInt(&cfg.Session.MaxSessions, "MIRAGE_SESSION_MAX_SESSIONS")
	overrideInt(&cfg.Session.TimeoutMS, "MIRAGE_SESSION_TIMEOUT_MS")
	overrideInt(&cfg.Session.ThrottleFPS, "MIRAGE_SESSION_THROTTLE_FPS")
	overrideInt(&cfg.Session.ReceivePollMS, "MIRAGE_SESSION_RECEIVE_POLL_MS")
	overrideString(&cfg.Telemetry.LogLevel, "MIRAGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MIRAGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MIRAGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MIRAGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "MIRAGE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MIRAGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MIRAGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MIRAGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MIRAGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MIRAGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MIRAGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MIRAGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MIRAGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "MIRAGE_NODE_ID")
	overrideString(&cfg.Node.Role, "MIRAGE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "MIRAGE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "MIRAGE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "MIRAGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MIRAGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MIRAGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "MIRAGE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MIRAGE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Pipeline.Mode, "MIRAGE_PIPELINE_MODE")
	overrideString(&cfg.Pipeline.Command, "MIRAGE_PIPELINE_COMMAND")
	overrideString(&cfg.Pipeline.ManifestPath, "MIRAGE_PIPELINE_MANIFEST_PATH")
	overrideBool(&cfg.ImageProc.Enabled, "MIRAGE_IMAGE_PROC_ENABLED")
	overrideBool(&cfg.ImageProc.BackgroundRemoval, "MIRAGE_IMAGE_PROC_BACKGROUND_REMOVAL")
	overrideBool(&cfg.Audio.Enabled, "MIRAGE_AUDIO_ENABLED")
	overrideString(&cfg.Audio.Mode, "MIRAGE_AUDIO_MODE")
	overrideString(&cfg.Audio.Command, "MIRAGE_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.DeviceIndex, "MIRAGE_AUDIO_DEVICE_INDEX")
	overrideBool(&cfg.Oscillator.UseTestZoom, "MIRAGE_OSCILLATOR_USE_TEST_ZOOM")
	overrideBool(&cfg.Oscillator.UseTestShift, "MIRAGE_OSCILLATOR_USE_TEST_SHIFT")
	overrideBool(&cfg.Safety.Enabled, "MIRAGE_SAFETY_ENABLED")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if (cfg.HTTP.TLSCertFile == "") != (cfg.HTTP.TLSKeyFile == "") {
		return errors.New("http.tls_cert_file and http.tls_key_file must be set together")
	}
	if cfg.Session.MaxSessions <= 0 {
		return errors.New("session.max_sessions must be >= 1")
	}
	if cfg.Session.TimeoutMS < 0 {
		return errors.New("session.timeout_ms must be >= 0")
	}
	if cfg.Session.ThrottleFPS <= 0 {
		return errors.New("session.throttle_fps must be positive")
	}
	if cfg.Session.ReceivePollMS <= 0 {
		return errors.New("session.receive_poll_ms must be positive")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
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
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Pipeline.Mode {
	case "mock", "exec":
	default:
		return errors.New("pipeline.mode must be one of mock|exec")
	}
	if cfg.Pipeline.Mode == "exec" && cfg.Pipeline.Command == "" {
		return errors.New("pipeline.command must be set when mode=exec")
	}
	if cfg.ImageProc.Brightness < 0 {
		return errors.New("image_proc.brightness must be >= 0")
	}
	if cfg.Audio.Enabled {
		switch cfg.Audio.Mode {
		case "mock", "exec":
		default:
			return errors.New("audio.mode must be one of mock|exec")
		}
		if cfg.Audio.Mode == "exec" && cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when mode=exec")
		}
		if cfg.Audio.FrequencyBins < 3 {
			return errors.New("audio.frequency_bins must be >= 3")
		}
		if cfg.Audio.BaselineWindow <= 0 {
			return errors.New("audio.baseline_window must be positive")
		}
		if cfg.Audio.MinZoom >= cfg.Audio.MaxZoom {
			return errors.New("audio.min_zoom must be less than max_zoom")
		}
	}
	if cfg.Oscillator.MinZoom >= cfg.Oscillator.MaxZoom {
		return errors.New("oscillator.min_zoom must be less than max_zoom")
	}
	if cfg.Oscillator.StabilizeDuration < 0 {
		return errors.New("oscillator.stabilize_duration must be >= 0")
	}
	return nil
}
