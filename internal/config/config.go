// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ardoise/stonetrade/internal/validate"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis, used by the distributed rate limit tracking store. Empty
	// falls back to the in-process store.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`

	// JWT Authentication
	JWTSecret string `koanf:"jwt_secret"`
	// JWTPreviousSecret enables zero-downtime secret rotation: tokens
	// signed with the previous secret stay valid until they expire.
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// CAPTCHA verification service
	CaptchaVerifyURL string `koanf:"captcha_verify_url"`
	CaptchaSecret    string `koanf:"captcha_secret"`

	// Stripe
	StripeAPIKey        string `koanf:"stripe_api_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`
	CheckoutSuccessURL  string `koanf:"checkout_success_url"`
	CheckoutCancelURL   string `koanf:"checkout_cancel_url"`

	// Rate limit thresholds. Counts are per window.
	ApprovalCaptchaThreshold int           `koanf:"approval_captcha_threshold"`
	ApprovalBlockThreshold   int           `koanf:"approval_block_threshold"`
	ApprovalIPBlockThreshold int           `koanf:"approval_ip_block_threshold"`
	ApprovalWindow           time.Duration `koanf:"approval_window"`
	PaymentBlockThreshold    int           `koanf:"payment_block_threshold"`
	PaymentIPBlockThreshold  int           `koanf:"payment_ip_block_threshold"`
	PaymentWindow            time.Duration `koanf:"payment_window"`

	// Concurrency caps
	AnalyticsMaxConcurrent int           `koanf:"analytics_max_concurrent"`
	ApprovalQueueWait      time.Duration `koanf:"approval_queue_wait"`

	// AnomalyAmountCeiling flags payments above this many minor currency
	// units for review. Zero disables the amount check.
	AnomalyAmountCeiling int64 `koanf:"anomaly_amount_ceiling"`

	// AdminIPAllowlist restricts admin routes to these IPs or CIDRs.
	// Empty disables the restriction.
	AdminIPAllowlist []string `koanf:"admin_ip_allowlist"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret           = errors.New("JWT_SECRET is required")
	ErrMissingStripeAPIKey        = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingCaptchaVerifyURL    = errors.New("CAPTCHA_VERIFY_URL is required")
	ErrMissingCaptchaSecret       = errors.New("CAPTCHA_SECRET is required")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidThreshold           = errors.New("rate limit thresholds must be positive, with the captcha threshold below the block threshold")
)

// Default values for non-secret configuration.
const (
	DefaultPort = 8080
	DefaultEnv  = "development"

	DefaultApprovalCaptchaThreshold = 3
	DefaultApprovalBlockThreshold   = 5
	DefaultApprovalIPBlockThreshold = 10
	DefaultApprovalWindow           = time.Hour
	DefaultPaymentBlockThreshold    = 10
	DefaultPaymentIPBlockThreshold  = 20
	DefaultPaymentWindow            = 24 * time.Hour

	DefaultAnalyticsMaxConcurrent = 4
	DefaultApprovalQueueWait      = 5 * time.Second
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	cfg := &Config{
		Port:          port,
		Env:           getEnvOrDefault("ENV", k.String("env"), DefaultEnv),
		DatabaseURL:   getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisAddr:     getEnvOrKoanf("REDIS_ADDR", k, "redis_addr"),
		RedisPassword: getEnvOrKoanf("REDIS_PASSWORD", k, "redis_password"),

		JWTSecret:         getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret: getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),

		CaptchaVerifyURL: getEnvOrKoanf("CAPTCHA_VERIFY_URL", k, "captcha_verify_url"),
		CaptchaSecret:    getEnvOrKoanf("CAPTCHA_SECRET", k, "captcha_secret"),

		StripeAPIKey:        getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret: getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		CheckoutSuccessURL:  getEnvOrKoanf("CHECKOUT_SUCCESS_URL", k, "checkout_success_url"),
		CheckoutCancelURL:   getEnvOrKoanf("CHECKOUT_CANCEL_URL", k, "checkout_cancel_url"),
	}

	cfg.ApprovalCaptchaThreshold, loadErrs = loadInt(loadErrs, k, "APPROVAL_CAPTCHA_THRESHOLD", "approval_captcha_threshold", DefaultApprovalCaptchaThreshold)
	cfg.ApprovalBlockThreshold, loadErrs = loadInt(loadErrs, k, "APPROVAL_BLOCK_THRESHOLD", "approval_block_threshold", DefaultApprovalBlockThreshold)
	cfg.ApprovalIPBlockThreshold, loadErrs = loadInt(loadErrs, k, "APPROVAL_IP_BLOCK_THRESHOLD", "approval_ip_block_threshold", DefaultApprovalIPBlockThreshold)
	cfg.PaymentBlockThreshold, loadErrs = loadInt(loadErrs, k, "PAYMENT_BLOCK_THRESHOLD", "payment_block_threshold", DefaultPaymentBlockThreshold)
	cfg.PaymentIPBlockThreshold, loadErrs = loadInt(loadErrs, k, "PAYMENT_IP_BLOCK_THRESHOLD", "payment_ip_block_threshold", DefaultPaymentIPBlockThreshold)
	cfg.AnalyticsMaxConcurrent, loadErrs = loadInt(loadErrs, k, "ANALYTICS_MAX_CONCURRENT", "analytics_max_concurrent", DefaultAnalyticsMaxConcurrent)

	cfg.ApprovalWindow, loadErrs = loadDuration(loadErrs, k, "APPROVAL_WINDOW", "approval_window", DefaultApprovalWindow)
	cfg.PaymentWindow, loadErrs = loadDuration(loadErrs, k, "PAYMENT_WINDOW", "payment_window", DefaultPaymentWindow)
	cfg.ApprovalQueueWait, loadErrs = loadDuration(loadErrs, k, "APPROVAL_QUEUE_WAIT", "approval_queue_wait", DefaultApprovalQueueWait)

	if v := os.Getenv("ANOMALY_AMOUNT_CEILING"); v != "" {
		ceiling, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("ANOMALY_AMOUNT_CEILING must be a valid integer: %w", err))
		} else {
			cfg.AnomalyAmountCeiling = ceiling
		}
	} else {
		cfg.AnomalyAmountCeiling = k.Int64("anomaly_amount_ceiling")
	}

	if v := os.Getenv("ADMIN_IP_ALLOWLIST"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.AdminIPAllowlist = append(cfg.AdminIPAllowlist, entry)
			}
		}
	} else {
		cfg.AdminIPAllowlist = k.Strings("admin_ip_allowlist")
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

func loadInt(errs []error, k *koanf.Koanf, envKey, koanfKey string, defaultVal int) (int, []error) {
	v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), defaultVal)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func loadDuration(errs []error, k *koanf.Koanf, envKey, koanfKey string, defaultVal time.Duration) (time.Duration, []error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return defaultVal, append(errs, fmt.Errorf("%s must be a valid duration: %w", envKey, err))
		}
		return d, errs
	}
	if d := k.Duration(koanfKey); d != 0 {
		return d, errs
	}
	return defaultVal, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present and the
// thresholds are coherent. Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}

	// CAPTCHA configuration travels as a pair.
	if c.CaptchaVerifyURL != "" || c.CaptchaSecret != "" {
		if c.CaptchaVerifyURL == "" {
			errs = append(errs, ErrMissingCaptchaVerifyURL)
		}
		if c.CaptchaSecret == "" {
			errs = append(errs, ErrMissingCaptchaSecret)
		}
	}

	// Checkout redirect targets must be public HTTPS URLs when set.
	if c.CheckoutSuccessURL != "" {
		if _, err := validate.RedirectURL(c.CheckoutSuccessURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid CHECKOUT_SUCCESS_URL: %w", err))
		}
	}
	if c.CheckoutCancelURL != "" {
		if _, err := validate.RedirectURL(c.CheckoutCancelURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid CHECKOUT_CANCEL_URL: %w", err))
		}
	}

	// A typo here must fail startup, not quietly shrink the allowlist:
	// with every entry malformed the admin routes would be left open.
	for _, entry := range c.AdminIPAllowlist {
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		if net.ParseIP(entry) == nil {
			errs = append(errs, fmt.Errorf("invalid ADMIN_IP_ALLOWLIST entry %q: not an IP address or CIDR block", entry))
		}
	}

	if c.ApprovalCaptchaThreshold <= 0 ||
		c.ApprovalBlockThreshold <= c.ApprovalCaptchaThreshold ||
		c.ApprovalIPBlockThreshold <= 0 ||
		c.PaymentBlockThreshold <= 0 ||
		c.PaymentIPBlockThreshold <= 0 {
		errs = append(errs, ErrInvalidThreshold)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       fmt.Sprintf("%d", c.Port),
		"env":                        c.Env,
		"database_url":               maskDatabaseURL(c.DatabaseURL),
		"redis_addr":                 c.RedisAddr,
		"jwt_secret":                 maskSecret(c.JWTSecret),
		"jwt_previous_secret":        maskSecret(c.JWTPreviousSecret),
		"captcha_verify_url":         c.CaptchaVerifyURL,
		"captcha_secret":             maskSecret(c.CaptchaSecret),
		"stripe_api_key":             maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":      maskSecret(c.StripeWebhookSecret),
		"checkout_success_url":       c.CheckoutSuccessURL,
		"checkout_cancel_url":        c.CheckoutCancelURL,
		"approval_captcha_threshold": fmt.Sprintf("%d", c.ApprovalCaptchaThreshold),
		"approval_block_threshold":   fmt.Sprintf("%d", c.ApprovalBlockThreshold),
		"approval_window":            c.ApprovalWindow.String(),
		"payment_block_threshold":    fmt.Sprintf("%d", c.PaymentBlockThreshold),
		"payment_window":             c.PaymentWindow.String(),
		"analytics_max_concurrent":   fmt.Sprintf("%d", c.AnalyticsMaxConcurrent),
		"anomaly_amount_ceiling":     fmt.Sprintf("%d", c.AnomalyAmountCeiling),
		"admin_ip_allowlist":         strings.Join(c.AdminIPAllowlist, ","),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	return maskSecret(s)
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
