package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"facecam-go/internal/render"
	"facecam-go/internal/types"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type AppConfig struct {
	// Backend is the inference server base URL, e.g. http://localhost:5000.
	Backend    string `yaml:"backend"`
	SocketPath string `yaml:"socket_path"`

	Source       string  `yaml:"source"` // simulator, ffmpeg, zmq
	Device       string  `yaml:"device"`
	InputFormat  string  `yaml:"input_format"`
	ZMQEndpoint  string  `yaml:"zmq_endpoint"`
	SimWidth     int     `yaml:"sim_width"`
	SimHeight    int     `yaml:"sim_height"`
	SimFrameRate float64 `yaml:"sim_frame_rate"`

	RenderInterval time.Duration `yaml:"render_interval"`
	StrokeColor    string        `yaml:"stroke_color"`
	StrokeWidth    float64       `yaml:"stroke_width"`
	DrawLabels     bool          `yaml:"draw_labels"`
	JPEGQuality    int           `yaml:"jpeg_quality"`

	MaxInFlight    int           `yaml:"max_in_flight"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RejectStale    bool          `yaml:"reject_stale"`

	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`

	Capabilities []CapabilityConfig `yaml:"capabilities"`

	Port      int           `yaml:"port"`
	UIRate    time.Duration `yaml:"ui_rate"`
	RawLogDir string        `yaml:"raw_log_dir"`
	ProbeRate time.Duration `yaml:"probe_rate"`
	ProbePath string        `yaml:"probe_path"`

	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTPrefix   string `yaml:"mqtt_prefix"`
	MQTTEncoding string `yaml:"mqtt_encoding"` // json, msgpack

	Debug bool `yaml:"debug"`
}

// CapabilityConfig binds a capability to its namespace, events and cadence.
type CapabilityConfig struct {
	Capability    types.Capability `yaml:"capability"`
	Namespace     string           `yaml:"namespace"`
	RequestEvent  string           `yaml:"request_event"`
	ResponseEvent string           `yaml:"response_event"`
	Cadence       time.Duration    `yaml:"cadence"`
	Disabled      bool             `yaml:"disabled"`
}

// DefaultCapabilities matches the routes served by the inference backend.
func DefaultCapabilities() []CapabilityConfig {
	return []CapabilityConfig{
		{Capability: types.CapRegion, Namespace: "/compute_bb", RequestEvent: "compute_bb_event", ResponseEvent: "bb_response", Cadence: 500 * time.Millisecond},
		{Capability: types.CapEmotion, Namespace: "/compute_emotion_route", RequestEvent: "analyze_emotion_request", ResponseEvent: "emotion_model_response", Cadence: 5 * time.Second},
		{Capability: types.CapGender, Namespace: "/compute_gender_route", RequestEvent: "analyze_gender_request", ResponseEvent: "gender_model_response", Cadence: 5 * time.Second},
		{Capability: types.CapAge, Namespace: "/compute_age_route", RequestEvent: "analyze_age_request", ResponseEvent: "age_model_response", Cadence: 5 * time.Second},
	}
}

func Default() AppConfig {
	return AppConfig{
		Backend:        "http://localhost:5000",
		SocketPath:     "/socket.io/",
		Source:         "simulator",
		Device:         "/dev/video0",
		InputFormat:    "v4l2",
		ZMQEndpoint:    "tcp://localhost:31001",
		SimWidth:       640,
		SimHeight:      480,
		SimFrameRate:   30,
		RenderInterval: 10 * time.Millisecond,
		StrokeColor:    "purple",
		StrokeWidth:    4,
		JPEGQuality:    80,
		RequestTimeout: 10 * time.Second,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   30 * time.Second,
		Capabilities:   DefaultCapabilities(),
		Port:           8888,
		UIRate:         100 * time.Millisecond,
		ProbeRate:      5 * time.Second,
		ProbePath:      "/",
		MQTTPrefix:     "facecam",
		MQTTEncoding:   "json",
	}
}

// Load reads a YAML file over the defaults. Capabilities listed in the file replace
// the matching default entry field by field.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	defaults := cfg.Capabilities
	cfg.Capabilities = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Capabilities = mergeCapabilities(defaults, cfg.Capabilities)
	return cfg, nil
}

func mergeCapabilities(defaults, overrides []CapabilityConfig) []CapabilityConfig {
	out := append([]CapabilityConfig(nil), defaults...)
	for _, o := range overrides {
		idx := -1
		for i := range out {
			if out[i].Capability == o.Capability {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = append(out, o)
			continue
		}
		c := &out[idx]
		if o.Namespace != "" {
			c.Namespace = o.Namespace
		}
		if o.RequestEvent != "" {
			c.RequestEvent = o.RequestEvent
		}
		if o.ResponseEvent != "" {
			c.ResponseEvent = o.ResponseEvent
		}
		if o.Cadence > 0 {
			c.Cadence = o.Cadence
		}
		c.Disabled = o.Disabled
	}
	return out
}

// ApplyEnv overrides fields from FACECAM_* environment variables.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("FACECAM_BACKEND", &c.Backend)
	str("FACECAM_SOURCE", &c.Source)
	str("FACECAM_DEVICE", &c.Device)
	str("FACECAM_ZMQ_ENDPOINT", &c.ZMQEndpoint)
	str("FACECAM_RAW_LOG_DIR", &c.RawLogDir)
	str("FACECAM_MQTT_BROKER", &c.MQTTBroker)
	if v, ok := lookup("FACECAM_PORT"); ok && v != "" {
		port, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("FACECAM_PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := lookup("FACECAM_DEBUG"); ok && v != "" {
		debug, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("FACECAM_DEBUG: %w", err)
		}
		c.Debug = debug
	}
	return nil
}

// Enabled returns the capability entries that will run.
func (c AppConfig) Enabled() []CapabilityConfig {
	out := make([]CapabilityConfig, 0, len(c.Capabilities))
	for _, cc := range c.Capabilities {
		if !cc.Disabled {
			out = append(out, cc)
		}
	}
	return out
}

// Validate checks the configuration for values the session cannot run with.
func Validate(c *AppConfig) error {
	var problems []string
	if c.Backend == "" {
		problems = append(problems, "backend is required")
	} else if !strings.HasPrefix(c.Backend, "http://") && !strings.HasPrefix(c.Backend, "https://") &&
		!strings.HasPrefix(c.Backend, "ws://") && !strings.HasPrefix(c.Backend, "wss://") {
		problems = append(problems, fmt.Sprintf("backend %q must be an http(s) or ws(s) URL", c.Backend))
	}
	switch c.Source {
	case "simulator", "ffmpeg", "zmq":
	default:
		problems = append(problems, fmt.Sprintf("unknown source %q", c.Source))
	}
	if c.RenderInterval <= 0 {
		problems = append(problems, "render_interval must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		problems = append(problems, "jpeg_quality must be within 1..100")
	}
	if c.StrokeWidth <= 0 {
		problems = append(problems, "stroke_width must be positive")
	}
	if _, err := render.ParseColor(c.StrokeColor); err != nil {
		problems = append(problems, fmt.Sprintf("stroke_color: %v", err))
	}
	if c.MaxInFlight < 0 {
		problems = append(problems, "max_in_flight must not be negative")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		problems = append(problems, "reconnect_min must be positive and not exceed reconnect_max")
	}
	switch c.MQTTEncoding {
	case "json", "msgpack":
	default:
		problems = append(problems, fmt.Sprintf("unknown mqtt_encoding %q", c.MQTTEncoding))
	}
	seen := make(map[types.Capability]bool, len(c.Capabilities))
	for _, cc := range c.Capabilities {
		if !cc.Capability.Valid() {
			problems = append(problems, fmt.Sprintf("unknown capability %q", cc.Capability))
			continue
		}
		if seen[cc.Capability] {
			problems = append(problems, fmt.Sprintf("capability %q listed twice", cc.Capability))
		}
		seen[cc.Capability] = true
		if cc.Disabled {
			continue
		}
		if !strings.HasPrefix(cc.Namespace, "/") {
			problems = append(problems, fmt.Sprintf("capability %q: namespace must start with /", cc.Capability))
		}
		if cc.RequestEvent == "" || cc.ResponseEvent == "" {
			problems = append(problems, fmt.Sprintf("capability %q: request and response events are required", cc.Capability))
		}
		if cc.Cadence <= 0 {
			problems = append(problems, fmt.Sprintf("capability %q: cadence must be positive", cc.Capability))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
