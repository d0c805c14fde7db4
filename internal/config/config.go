package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for whatsbot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	AI        AIConfig        `json:"ai" yaml:"ai"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Media     MediaConfig     `json:"media" yaml:"media"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	AppName               string `json:"appName" yaml:"appName" env:"APP_NAME"`
	Environment           string `json:"environment" yaml:"environment" env:"APP_ENV"`
	LogLevel              string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL" validate:"oneof=debug info warn error DEBUG INFO WARN WARNING ERROR"`
	LogFormat             string `json:"logFormat" yaml:"logFormat" env:"LOG_FORMAT" validate:"oneof=text json"`
	LogFile               string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"LOG_FILE"`
	DefaultProvider       string `json:"defaultProvider" yaml:"defaultProvider" env:"WHATSAPP_PROVIDER" validate:"oneof=twilio meta waha"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages" env:"MAX_CONCURRENT_MESSAGES" validate:"min=1,max=100"`
	BusBufferSize         int    `json:"busBufferSize" yaml:"busBufferSize" env:"BUS_BUFFER_SIZE" validate:"min=1"`
	SecretKey             string `json:"secretKey,omitempty" yaml:"secretKey,omitempty" env:"SECRET_KEY"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"HOST"`
	Port int    `json:"port" yaml:"port" env:"PORT" validate:"min=0,max=65535"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type ProvidersConfig struct {
	Twilio TwilioConfig `json:"twilio" yaml:"twilio"`
	Meta   MetaConfig   `json:"meta" yaml:"meta"`
	WAHA   WAHAConfig   `json:"waha" yaml:"waha"`
}

type TwilioConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled" env:"TWILIO_ENABLED"`
	AccountSID     string `json:"accountSid,omitempty" yaml:"accountSid,omitempty" env:"TWILIO_ACCOUNT_SID"`
	AuthToken      string `json:"authToken,omitempty" yaml:"authToken,omitempty" env:"TWILIO_AUTH_TOKEN"`
	WhatsAppNumber string `json:"whatsappNumber,omitempty" yaml:"whatsappNumber,omitempty" env:"TWILIO_WHATSAPP_NUMBER"`
	WebhookURL     string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty" env:"TWILIO_WEBHOOK_URL"` // public URL used for signature checks
	APIBase        string `json:"apiBase,omitempty" yaml:"apiBase,omitempty" env:"TWILIO_API_BASE" validate:"omitempty,url"`
}

type MetaConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"META_ENABLED"`
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty" env:"META_ACCESS_TOKEN"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty" env:"META_PHONE_NUMBER_ID"`
	VerifyToken   string `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty" env:"META_WEBHOOK_VERIFY_TOKEN"`
	AppSecret     string `json:"appSecret,omitempty" yaml:"appSecret,omitempty" env:"META_APP_SECRET"`
	APIBase       string `json:"apiBase,omitempty" yaml:"apiBase,omitempty" env:"META_API_BASE" validate:"omitempty,url"`
}

type WAHAConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"WAHA_ENABLED"`
	APIURL      string `json:"apiUrl,omitempty" yaml:"apiUrl,omitempty" env:"WAHA_API_URL" validate:"omitempty,url"`
	APIKey      string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" env:"WAHA_API_KEY"`
	SessionName string `json:"sessionName" yaml:"sessionName" env:"WAHA_SESSION_NAME"`
}

type AIConfig struct {
	APIKey          string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty" env:"OPENAI_API_KEY"`
	APIBase         string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty" env:"OPENAI_API_BASE" validate:"omitempty,url"`
	Model           string  `json:"model" yaml:"model" env:"OPENAI_MODEL" validate:"required"`
	MaxTokens       int     `json:"maxTokens" yaml:"maxTokens" env:"OPENAI_MAX_TOKENS" validate:"min=1"`
	Temperature     float64 `json:"temperature" yaml:"temperature" env:"OPENAI_TEMPERATURE" validate:"min=0,max=2"`
	WhisperModel    string  `json:"whisperModel" yaml:"whisperModel" env:"WHISPER_MODEL" validate:"required"`
	VisionModel     string  `json:"visionModel" yaml:"visionModel" env:"VISION_MODEL" validate:"required"`
	VisionMaxTokens int     `json:"visionMaxTokens" yaml:"visionMaxTokens" env:"VISION_MAX_TOKENS" validate:"min=1"`
	TimeoutSeconds  int     `json:"timeoutSeconds" yaml:"timeoutSeconds" env:"OPENAI_TIMEOUT_SECONDS" validate:"min=1"`
	SystemPrompt    string  `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty" env:"OPENAI_SYSTEM_PROMPT"`
}

type SecurityConfig struct {
	Whitelist              FlexStringList `json:"whitelist" yaml:"whitelist" env:"WHITELISTED_USERS"`
	RateLimitMessages      int            `json:"rateLimitMessages" yaml:"rateLimitMessages" env:"RATE_LIMIT_MESSAGES" validate:"min=1"`
	RateLimitWindowSeconds int            `json:"rateLimitWindowSeconds" yaml:"rateLimitWindowSeconds" env:"RATE_LIMIT_WINDOW_SECONDS" validate:"min=1"`
	// DedupPolicy is "reject" (drop redeliveries) or "replace" (delete the
	// stored record and process again).
	DedupPolicy   string `json:"dedupPolicy" yaml:"dedupPolicy" env:"DEDUP_POLICY" validate:"oneof=reject replace"`
	DedupTTLHours int    `json:"dedupTTLHours" yaml:"dedupTTLHours" env:"DEDUP_TTL_HOURS" validate:"min=1"`
}

type MemoryConfig struct {
	DBPath     string `json:"dbPath" yaml:"dbPath" env:"DATABASE_PATH" validate:"required"`
	MaxHistory int    `json:"maxHistory" yaml:"maxHistory" env:"MAX_CONVERSATION_HISTORY" validate:"min=0,max=200"`
}

type MediaConfig struct {
	DownloadTimeoutSeconds int    `json:"downloadTimeoutSeconds" yaml:"downloadTimeoutSeconds" env:"MEDIA_DOWNLOAD_TIMEOUT" validate:"min=1"`
	MaxSizeMB              int    `json:"maxSizeMB" yaml:"maxSizeMB" env:"MEDIA_MAX_SIZE_MB" validate:"min=1"`
	TempDir                string `json:"tempDir" yaml:"tempDir" env:"TEMP_MEDIA_DIR" validate:"required"`
	MaxAgeHours            int    `json:"maxAgeHours" yaml:"maxAgeHours" env:"MEDIA_MAX_AGE_HOURS" validate:"min=1"`
	MaxDocumentChars       int    `json:"maxDocumentChars" yaml:"maxDocumentChars" env:"MEDIA_MAX_DOCUMENT_CHARS" validate:"min=1"`
}

// MaxSizeBytes returns the download ceiling in bytes.
func (m MediaConfig) MaxSizeBytes() int64 {
	return int64(m.MaxSizeMB) * 1024 * 1024
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"METRICS_ENDPOINT"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (phone numbers are often written unquoted), and
// from a comma-separated string.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return f.UnmarshalText([]byte(s))
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalText parses a comma-separated list, as found in WHITELISTED_USERS.
func (f *FlexStringList) UnmarshalText(text []byte) error {
	var out []string
	for _, part := range strings.Split(string(text), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*f = out
	return nil
}

// DefaultConfigDir returns the default config directory (~/.whatsbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".whatsbot"
	}
	return filepath.Join(home, ".whatsbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load builds the configuration from defaults, an optional config file
// (JSON or YAML), a .env file and the process environment, in that order.
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	var data []byte
	if path != "" {
		path = ExpandPath(path)
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}
	return resolve(path, data)
}

// resolve layers the file contents at path (if any) and the environment
// over the defaults, then validates the result.
func resolve(path string, data []byte) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	applyProviderSwitch(cfg)

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Media.TempDir = ExpandPath(cfg.Media.TempDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFile decodes only the file at path over the defaults. ${VAR}
// placeholders stay as written and neither .env nor the environment is
// consulted, so the result is safe to write back with Save.
func LoadFile(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	cfg := Defaults()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// applyProviderSwitch enables the default provider when it has credentials
// but was never switched on explicitly, so a bare environment setup works.
func applyProviderSwitch(cfg *Config) {
	p := &cfg.Providers
	switch cfg.General.DefaultProvider {
	case "twilio":
		if p.Twilio.AuthToken != "" {
			p.Twilio.Enabled = true
		}
	case "meta":
		if p.Meta.AccessToken != "" {
			p.Meta.Enabled = true
		}
	case "waha":
		if p.WAHA.APIURL != "" {
			p.WAHA.Enabled = true
		}
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		def := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			def = groups[2]
		}

		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			if hasDefault {
				return def
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON or YAML depending on the file extension.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func encode(path string, cfg *Config) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	return data, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	p := cfg.Providers
	if p.Twilio.Enabled && p.Twilio.AuthToken == "" {
		errs = append(errs, "providers.twilio.authToken is required when twilio is enabled")
	}
	if p.Meta.Enabled && (p.Meta.AccessToken == "" || p.Meta.PhoneNumberID == "") {
		errs = append(errs, "providers.meta.accessToken and providers.meta.phoneNumberId are required when meta is enabled")
	}
	if p.WAHA.Enabled && p.WAHA.APIURL == "" {
		errs = append(errs, "providers.waha.apiUrl is required when waha is enabled")
	}
	if !cfg.ProviderEnabled(cfg.General.DefaultProvider) {
		errs = append(errs, fmt.Sprintf("general.defaultProvider %q is not enabled", cfg.General.DefaultProvider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "min":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be <= %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return path + " must be a valid URL"
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

// ProviderEnabled reports whether the named provider is switched on.
func (c *Config) ProviderEnabled(name string) bool {
	switch name {
	case "twilio":
		return c.Providers.Twilio.Enabled
	case "meta":
		return c.Providers.Meta.Enabled
	case "waha":
		return c.Providers.WAHA.Enabled
	}
	return false
}

// EnabledProviders lists the enabled providers in a stable order.
func (c *Config) EnabledProviders() []string {
	var out []string
	for _, name := range []string{"twilio", "meta", "waha"} {
		if c.ProviderEnabled(name) {
			out = append(out, name)
		}
	}
	return out
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
