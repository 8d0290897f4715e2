// Package config loads the guardrails service configuration from the
// environment (optionally seeded from a .env file) into an immutable Config
// value. Invalid values abort startup rather than being silently replaced.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Template keys for the safe replies returned to callers.
const (
	TemplateContentFiltered      = "content_filtered"
	TemplateRateLimited          = "rate_limited"
	TemplateLanguageNotSupported = "language_not_supported"
	TemplateError                = "error"
	TemplateContextViolation     = "context_violation"
)

// Audit queue backpressure modes.
const (
	BackpressureDropOldest = "drop_oldest"
	BackpressureBlock      = "block"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var (
	// DefaultForbiddenWords is the illustrative keyword list used when
	// FORBIDDEN_WORDS is unset.
	DefaultForbiddenWords = []string{
		"hate", "violence", "illegal", "harmful", "racist",
		"sexist", "discriminatory", "offensive", "explicit", "pornographic",
	}

	// DefaultSupportedLanguages lists ISO 639-1 codes accepted by the
	// language stage.
	DefaultSupportedLanguages = []string{
		"en", "es", "fr", "de", "it", "pt", "nl", "ru", "zh", "ja", "ko", "ar",
	}

	// DefaultTemplates holds the built-in reply texts.
	DefaultTemplates = map[string]string{
		TemplateContentFiltered:      "I'm sorry, but I cannot respond to that request as it may contain inappropriate content.",
		TemplateRateLimited:          "You have exceeded the allowed number of requests. Please try again later.",
		TemplateLanguageNotSupported: "I'm sorry, but I don't currently support that language.",
		TemplateError:                "An error occurred while processing your request. Please try again later.",
		TemplateContextViolation:     "I'm sorry, but the conversation context appears to be attempting to circumvent safety guidelines.",
	}
)

// Config is the validated, read-only service configuration.
type Config struct {
	LogLevel  string
	LogPretty bool
	Port      int

	LLMEndpoint       string
	LLMHealthEndpoint string
	LLMTimeout        time.Duration

	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitPeriod   time.Duration
	RateLimitFailOpen bool

	ContentFilterEnabled bool
	ForbiddenWords       []string
	FilterRulesFile      string

	ContextModerationEnabled   bool
	MaxContextLength           int
	ContextEscalationThreshold int

	MultiLanguageEnabled bool
	SupportedLanguages   []string

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	Templates map[string]string

	AuditNATSURL      string
	AuditQueueSize    int
	AuditBackpressure string

	CORSAllowedOrigins []string // empty disables CORS handling
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	templates := make(map[string]string, len(DefaultTemplates))
	for k, v := range DefaultTemplates {
		templates[k] = v
	}
	return Config{
		LogLevel:                   "info",
		Port:                       9400,
		LLMEndpoint:                "http://localhost:11434/api/chat",
		LLMTimeout:                 180 * time.Second,
		RedisHost:                  "localhost",
		RedisPort:                  6379,
		RateLimitEnabled:           true,
		RateLimitRequests:          100,
		RateLimitPeriod:            60 * time.Second,
		RateLimitFailOpen:          true,
		ContentFilterEnabled:       true,
		ForbiddenWords:             append([]string(nil), DefaultForbiddenWords...),
		ContextModerationEnabled:   true,
		MaxContextLength:           10,
		ContextEscalationThreshold: 3,
		MultiLanguageEnabled:       true,
		SupportedLanguages:         append([]string(nil), DefaultSupportedLanguages...),
		MaxRetries:                 3,
		RetryBackoff:               time.Second,
		RetryMaxBackoff:            10 * time.Second,
		Templates:                  templates,
		AuditBackpressure:          BackpressureDropOldest,
		CORSAllowedOrigins:         []string{"*"},
	}
}

// Load reads an optional .env file, then the process environment, and
// returns a validated Config.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from the given lookup function. Unset keys keep
// their defaults; malformed values are collected and returned together.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	cfg.LogLevel = strings.ToLower(p.str("LOG_LEVEL", cfg.LogLevel))
	cfg.LogPretty = p.boolean("LOG_PRETTY", cfg.LogPretty)
	cfg.Port = p.integer("GUARDRAILS_SERVICE_PORT", cfg.Port)

	cfg.LLMEndpoint = p.str("LLM_ENDPOINT", cfg.LLMEndpoint)
	cfg.LLMHealthEndpoint = p.str("LLM_HEALTH_ENDPOINT", "")
	cfg.LLMTimeout = p.seconds("LLM_TIMEOUT", cfg.LLMTimeout)

	cfg.RedisHost = p.str("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = p.integer("REDIS_PORT", cfg.RedisPort)
	cfg.RedisDB = p.integer("REDIS_DB", cfg.RedisDB)
	cfg.RedisPassword = p.str("REDIS_PASSWORD", cfg.RedisPassword)

	cfg.RateLimitEnabled = p.boolean("RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.RateLimitRequests = p.integer("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests)
	cfg.RateLimitPeriod = p.seconds("RATE_LIMIT_PERIOD", cfg.RateLimitPeriod)
	cfg.RateLimitFailOpen = p.boolean("RATE_LIMIT_FAIL_OPEN", cfg.RateLimitFailOpen)

	cfg.ContentFilterEnabled = p.boolean("CONTENT_FILTER_ENABLED", cfg.ContentFilterEnabled)
	cfg.ForbiddenWords = p.list("FORBIDDEN_WORDS", cfg.ForbiddenWords)
	cfg.FilterRulesFile = p.str("FILTER_RULES_FILE", cfg.FilterRulesFile)

	cfg.ContextModerationEnabled = p.boolean("CONTEXT_MODERATION_ENABLED", cfg.ContextModerationEnabled)
	cfg.MaxContextLength = p.integer("MAX_CONTEXT_LENGTH", cfg.MaxContextLength)
	cfg.ContextEscalationThreshold = p.integer("CONTEXT_ESCALATION_THRESHOLD", cfg.ContextEscalationThreshold)

	cfg.MultiLanguageEnabled = p.boolean("MULTI_LANGUAGE_ENABLED", cfg.MultiLanguageEnabled)
	cfg.SupportedLanguages = p.list("SUPPORTED_LANGUAGES", cfg.SupportedLanguages)

	cfg.MaxRetries = p.integer("MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryBackoff = p.seconds("RETRY_BACKOFF", cfg.RetryBackoff)
	cfg.RetryMaxBackoff = p.seconds("RETRY_MAX_BACKOFF", cfg.RetryMaxBackoff)

	for key := range cfg.Templates {
		cfg.Templates[key] = p.str("RESPONSE_TEMPLATE_"+strings.ToUpper(key), cfg.Templates[key])
	}

	cfg.AuditNATSURL = p.str("AUDIT_NATS_URL", cfg.AuditNATSURL)
	cfg.AuditQueueSize = p.integer("AUDIT_QUEUE_SIZE", cfg.AuditQueueSize)
	cfg.AuditBackpressure = strings.ToLower(p.str("AUDIT_BACKPRESSURE", cfg.AuditBackpressure))
	cfg.CORSAllowedOrigins = p.list("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)

	if cfg.LLMHealthEndpoint == "" {
		cfg.LLMHealthEndpoint = originOf(cfg.LLMEndpoint)
	}

	if err := errors.Join(append(p.errs, cfg.Validate())...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, fmt.Errorf("config: LOG_LEVEL %q is not a known level", c.LogLevel))
	}
	check(c.Port > 0 && c.Port < 65536, "GUARDRAILS_SERVICE_PORT must be in 1..65535, got %d", c.Port)
	if u, err := url.Parse(c.LLMEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("config: LLM_ENDPOINT %q is not an absolute URL", c.LLMEndpoint))
	}
	check(c.LLMTimeout > 0, "LLM_TIMEOUT must be positive")
	check(c.RedisPort > 0 && c.RedisPort < 65536, "REDIS_PORT must be in 1..65535, got %d", c.RedisPort)
	check(c.RedisDB >= 0, "REDIS_DB must not be negative")
	check(c.RateLimitRequests > 0, "RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests)
	check(c.RateLimitPeriod >= time.Second, "RATE_LIMIT_PERIOD must be at least 1 second")
	check(c.MaxContextLength >= 2, "MAX_CONTEXT_LENGTH must be at least 2, got %d", c.MaxContextLength)
	check(c.ContextEscalationThreshold > 0, "CONTEXT_ESCALATION_THRESHOLD must be positive")
	check(c.MaxRetries > 0, "MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	check(c.RetryBackoff >= 0, "RETRY_BACKOFF must not be negative")
	check(c.RetryMaxBackoff >= c.RetryBackoff, "RETRY_MAX_BACKOFF must not be below RETRY_BACKOFF")
	check(c.AuditQueueSize >= 0, "AUDIT_QUEUE_SIZE must not be negative")
	check(c.AuditBackpressure == BackpressureDropOldest || c.AuditBackpressure == BackpressureBlock,
		"AUDIT_BACKPRESSURE must be %q or %q, got %q", BackpressureDropOldest, BackpressureBlock, c.AuditBackpressure)
	if c.MultiLanguageEnabled {
		check(len(c.SupportedLanguages) > 0, "SUPPORTED_LANGUAGES must not be empty when MULTI_LANGUAGE_ENABLED")
	}
	for key := range DefaultTemplates {
		check(strings.TrimSpace(c.Templates[key]) != "", "response template %q must not be empty", key)
	}

	return errors.Join(errs...)
}

// RedisAddr returns host:port for the backing store.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ListenAddr returns the HTTP listen address.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Debug reports whether error details may be exposed to callers.
func (c Config) Debug() bool {
	return c.LogLevel == "debug" || c.LogLevel == "trace"
}

// Template returns the reply text for key, falling back to the error template.
func (c Config) Template(key string) string {
	if t, ok := c.Templates[key]; ok {
		return t
	}
	return c.Templates[TemplateError]
}

func originOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Scheme + "://" + u.Host + "/"
}

// parser accumulates conversion errors so a single Load reports all of them.
type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// seconds parses a float number of seconds.
func (p *parser) seconds(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %q is not a number of seconds", key, v))
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// list accepts a JSON array or a comma-separated string.
func (p *parser) list(key string, def []string) []string {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	var items []string
	if strings.HasPrefix(v, "[") {
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			p.errs = append(p.errs, fmt.Errorf("config: %s: invalid JSON list: %w", key, err))
			return def
		}
	} else {
		items = strings.Split(v, ",")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
