package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"

	// ConfigPathEnv names the YAML config file when no --config flag is given.
	ConfigPathEnv = "CANVASPILOT_CONFIG"

	databaseDSNEnv    = "DATABASE_DSN"
	databaseDriverEnv = "DATABASE_DRIVER"
	canvasURLEnv      = "CANVAS_API_URL"
	canvasKeyEnv      = "CANVAS_API_KEY"
	canvasDemoKeyEnv  = "DEMO_CANVAS_API_KEY"
	geminiAPIKeyEnv   = "GEMINI_API_KEY"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	generationProvEnv = "GENERATION_PROVIDER"
	jwtSecretEnv      = "JWT_SECRET"
	cronSecretEnv     = "CRON_SECRET"
	listenAddrEnv     = "LISTEN_ADDR"
)

const defaultEditorPrompt = `You are helping a student draft an answer.

Assignment title: {title}

Assignment description: {description}

Additional instructions from the student: {userPrompt}

Write the complete answer, following the student's instructions where they do not conflict with the assignment.`

// Config holds high-level settings required across the application.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Canvas     CanvasConfig     `yaml:"canvas"`
	Generation GenerationConfig `yaml:"generation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	BasePath        string        `yaml:"basePath"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig selects slog level and output format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes the log/run store connection. Driver is sqlite or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CanvasConfig wires the upstream LMS API.
type CanvasConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	ServiceAPIKey     string        `yaml:"serviceApiKey"`
	DemoAPIKey        string        `yaml:"demoApiKey"`
	CourseScope       string        `yaml:"courseScope"`
	PageSize          int           `yaml:"pageSize"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// GenerationConfig selects and configures the text-generation backend.
type GenerationConfig struct {
	Provider     string        `yaml:"provider"`
	Timeout      time.Duration `yaml:"timeout"`
	EditorPrompt string        `yaml:"editorPrompt"`
	Gemini       GeminiConfig  `yaml:"gemini"`
	ChatGPT      ChatGPTConfig `yaml:"chatgpt"`
}

// GeminiConfig defines how to contact the Gemini generateContent API.
type GeminiConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// ChatGPTConfig defines how to contact an OpenAI-compatible chat completions API.
type ChatGPTConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// PipelineConfig tunes the completion run.
type PipelineConfig struct {
	MinDescriptionLength int           `yaml:"minDescriptionLength"`
	RunLockTTL           time.Duration `yaml:"runLockTtl"`
}

// SchedulerConfig defines when the scheduled run fires.
type SchedulerConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Hour     int            `yaml:"hour"`
	Interval time.Duration  `yaml:"interval"`
	Submit   bool           `yaml:"submit"`
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// AuthConfig holds session signing material.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwtSecret"`
	TokenTTL   time.Duration `yaml:"tokenTtl"`
	CronSecret string        `yaml:"cronSecret"`
}

// Load reads YAML configuration (if present) over defaults and applies environment overrides.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if parsed, err := Parse(raw); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
		} else {
			cfg = parsed
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Parse decodes YAML on top of the defaults; absent keys keep their default value.
func Parse(raw []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.bindTimezone()
	return cfg, nil
}

// Validate reports settings the HTTP server cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Canvas.BaseURL) == "" {
		errs = append(errs, errors.New("canvas.baseUrl is required"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, errors.New("database.driver must be sqlite or postgres"))
	}
	switch c.Generation.Provider {
	case "gemini", "chatgpt":
	default:
		errs = append(errs, errors.New("generation.provider must be gemini or chatgpt"))
	}
	if c.Scheduler.Hour < 0 || c.Scheduler.Hour > 23 {
		errs = append(errs, errors.New("scheduler.hour must be between 0 and 23"))
	}
	if c.Scheduler.Enabled && c.Canvas.ServiceAPIKey == "" {
		errs = append(errs, errors.New("scheduler.enabled requires canvas.serviceApiKey"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{databaseDSNEnv, &c.Database.DSN},
		{databaseDriverEnv, &c.Database.Driver},
		{canvasURLEnv, &c.Canvas.BaseURL},
		{canvasKeyEnv, &c.Canvas.ServiceAPIKey},
		{canvasDemoKeyEnv, &c.Canvas.DemoAPIKey},
		{geminiAPIKeyEnv, &c.Generation.Gemini.APIKey},
		{chatGPTAPIKeyEnv, &c.Generation.ChatGPT.APIKey},
		{generationProvEnv, &c.Generation.Provider},
		{jwtSecretEnv, &c.Auth.JWTSecret},
		{cronSecretEnv, &c.Auth.CronSecret},
		{listenAddrEnv, &c.Server.Addr},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BasePath:        "/v1",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:canvaspilot.db?_pragma=busy_timeout(5000)"},
		Canvas: CanvasConfig{
			BaseURL:           "https://canvas.instructure.com/api/v1",
			CourseScope:       "favorites",
			PageSize:          100,
			Concurrency:       4,
			RequestsPerSecond: 5,
			Burst:             5,
			Timeout:           20 * time.Second,
		},
		Generation: GenerationConfig{
			Provider:     "gemini",
			Timeout:      90 * time.Second,
			EditorPrompt: defaultEditorPrompt,
			Gemini: GeminiConfig{
				Endpoint: "https://generativelanguage.googleapis.com/v1beta",
				Model:    "gemini-2.0-flash",
			},
			ChatGPT: ChatGPTConfig{
				Endpoint:     "https://api.openai.com/v1/chat/completions",
				Model:        "gpt-4o-mini",
				SystemPrompt: "You are a student writing complete, ready-to-submit assignment answers.",
			},
		},
		Pipeline: PipelineConfig{
			MinDescriptionLength: 200,
			RunLockTTL:           time.Hour,
		},
		Scheduler: SchedulerConfig{
			Hour:     20,
			Interval: time.Hour,
			Timezone: defaultTimezone,
			location: tz,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
	}
}
