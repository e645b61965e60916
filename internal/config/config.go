package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix     = "CHEERFX_"
	ConfigPathEnv = "CHEERFX_CONFIG"
)

type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	SQLite  SQLiteConfig  `koanf:"sqlite"`
	Media   MediaConfig   `koanf:"media"`
	Twitch  TwitchConfig  `koanf:"twitch"`
	Billing BillingConfig `koanf:"billing"`
	SFX     SFXConfig     `koanf:"sfx"`
	Jobs    JobsConfig    `koanf:"jobs"`
	Auth    AuthConfig    `koanf:"auth"`
	Log     LogConfig     `koanf:"log"`
}

type HTTPConfig struct {
	Addr        string   `koanf:"addr" validate:"required"`
	RateRPS     float64  `koanf:"rate_rps" validate:"gte=0"`
	RateBurst   int      `koanf:"rate_burst" validate:"gte=0"`
	CORSOrigins []string `koanf:"cors_origins"`
}

type SQLiteConfig struct {
	Path   string `koanf:"path" validate:"required"`
	Tuning bool   `koanf:"tuning"`
}

type MediaConfig struct {
	Dir     string `koanf:"dir" validate:"required"`
	BaseURL string `koanf:"base_url" validate:"required"`
}

type TwitchConfig struct {
	ClientID          string `koanf:"client_id"`
	ClientSecret      string `koanf:"client_secret"`
	WebhookSecret     string `koanf:"webhook_secret" validate:"required_without=WebhookSecretFile"`
	WebhookSecretFile string `koanf:"webhook_secret_file"`
	CallbackURL       string `koanf:"callback_url" validate:"omitempty,url"`
}

type BillingConfig struct {
	APIKey            string `koanf:"api_key"`
	WebhookSecret     string `koanf:"webhook_secret" validate:"required_without=WebhookSecretFile"`
	WebhookSecretFile string `koanf:"webhook_secret_file"`
	FreeRuns          int    `koanf:"free_runs" validate:"gt=0"`
}

type SFXConfig struct {
	Endpoint        string        `koanf:"endpoint" validate:"required,url"`
	APIKey          string        `koanf:"api_key"`
	DurationSecs    float64       `koanf:"duration_secs" validate:"gt=0"`
	PromptInfluence float64       `koanf:"prompt_influence" validate:"gte=0,lte=1"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
}

type JobsConfig struct {
	Workers      int `koanf:"workers" validate:"gt=0"`
	QueueSize    int `koanf:"queue_size" validate:"gt=0"`
	FanoutBuffer int `koanf:"fanout_buffer" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:      ":8080",
			RateRPS:   20,
			RateBurst: 40,
		},
		SQLite: SQLiteConfig{Path: "cheerfx.db"},
		Media: MediaConfig{
			Dir:     "media",
			BaseURL: "/media",
		},
		Billing: BillingConfig{FreeRuns: 15},
		SFX: SFXConfig{
			Endpoint:        "https://api.elevenlabs.io/v1/sound-generation",
			DurationSecs:    4,
			PromptInfluence: 0.3,
			Timeout:         45 * time.Second,
		},
		Jobs: JobsConfig{
			Workers:      4,
			QueueSize:    256,
			FanoutBuffer: 16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers struct defaults, an optional YAML file and CHEERFX_* env vars,
// then resolves file-backed secrets and validates the result.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv(ConfigPathEnv)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if raw, ok := k.Get("http.cors_origins").(string); ok {
		if err := k.Set("http.cors_origins", splitList(raw)); err != nil {
			return Config{}, fmt.Errorf("split cors origins: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.resolveSecretFiles(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps CHEERFX_TWITCH_CLIENT_ID to twitch.client_id. Only the first
// underscore separates the section.
func envKey(raw string) string {
	key := strings.ToLower(strings.TrimPrefix(raw, EnvPrefix))
	if key == "config" {
		return ""
	}
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return ""
	}
	return section + "." + rest
}

func (c *Config) resolveSecretFiles() error {
	if c.Twitch.WebhookSecret == "" && c.Twitch.WebhookSecretFile != "" {
		secret, err := ReadSecretFile(c.Twitch.WebhookSecretFile)
		if err != nil {
			return err
		}
		c.Twitch.WebhookSecret = secret
	}
	if c.Billing.WebhookSecret == "" && c.Billing.WebhookSecretFile != "" {
		secret, err := ReadSecretFile(c.Billing.WebhookSecretFile)
		if err != nil {
			return err
		}
		c.Billing.WebhookSecret = secret
	}
	return nil
}

// ReadSecretFile returns the trimmed file contents.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file %s: %w", path, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func (c Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EventSubEnabled is true when the app can manage its own subscriptions.
func (c Config) EventSubEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.ClientSecret != "" && c.Twitch.CallbackURL != ""
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
		},
		"sqlite": map[string]any{
			"path":   c.SQLite.Path,
			"tuning": c.SQLite.Tuning,
		},
		"media": map[string]any{
			"dir":      c.Media.Dir,
			"base_url": c.Media.BaseURL,
		},
		"twitch": map[string]any{
			"client_id":           redactString(c.Twitch.ClientID),
			"client_secret":       redactString(c.Twitch.ClientSecret),
			"webhook_secret":      redactString(c.Twitch.WebhookSecret),
			"webhook_secret_file": c.Twitch.WebhookSecretFile,
			"callback_url":        c.Twitch.CallbackURL,
			"eventsub_enabled":    c.EventSubEnabled(),
		},
		"billing": map[string]any{
			"api_key":             redactString(c.Billing.APIKey),
			"webhook_secret":      redactString(c.Billing.WebhookSecret),
			"webhook_secret_file": c.Billing.WebhookSecretFile,
			"free_runs":           c.Billing.FreeRuns,
		},
		"sfx": map[string]any{
			"endpoint":         c.SFX.Endpoint,
			"api_key":          redactString(c.SFX.APIKey),
			"duration_secs":    c.SFX.DurationSecs,
			"prompt_influence": c.SFX.PromptInfluence,
			"timeout":          c.SFX.Timeout.String(),
		},
		"jobs": map[string]any{
			"workers":       c.Jobs.Workers,
			"queue_size":    c.Jobs.QueueSize,
			"fanout_buffer": c.Jobs.FanoutBuffer,
		},
		"auth": map[string]any{
			"jwt_secret": redactString(c.Auth.JWTSecret),
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config map[string]any `json:"config_summary"`
	}{Config: c.Redacted()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
