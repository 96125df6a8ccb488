package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const defaultThreshold = 2

// Load reads configuration from a YAML file, then applies environment
// overrides and defaults. A missing file is not an error.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			// Expand environment variables in the YAML content
			expandedData := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) error {
	var problems []string

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string) (int, bool) {
		v, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(v) == "" {
			return 0, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s must be an integer, got %q", name, v))
			return 0, false
		}
		return n, true
	}

	if n, ok := num("POLL_INTERVAL_SECONDS"); ok {
		cfg.Poll.Interval = time.Duration(n) * time.Second
	}
	if n, ok := num("LOOKBACK_HOURS"); ok {
		cfg.Poll.Lookback = time.Duration(n) * time.Hour
	}
	if n, ok := num("RETRY_THRESHOLD"); ok {
		cfg.Retry.Threshold = &n
	}

	str("AZURE_TENANT_ID", &cfg.Credentials.TenantID)
	str("AZURE_CLIENT_ID", &cfg.Credentials.ClientID)
	str("AZURE_CLIENT_SECRET", &cfg.Credentials.ClientSecret)
	str("AZURE_SUBSCRIPTION_ID", &cfg.Platform.SubscriptionID)
	str("RESOURCE_GROUP_NAME", &cfg.Platform.ResourceGroup)
	str("DATA_FACTORY_NAME", &cfg.Platform.FactoryName)
	str("OPENAI_API_KEY", &cfg.Oracle.APIKey)

	str("EMAIL_SMTP_SERVER", &cfg.Notify.SMTPHost)
	if n, ok := num("EMAIL_SMTP_PORT"); ok {
		cfg.Notify.SMTPPort = n
	}
	str("EMAIL_USER", &cfg.Notify.Username)
	str("EMAIL_PASSWORD", &cfg.Notify.Password)
	if v := os.Getenv("ALERT_RECIPIENTS"); v != "" {
		cfg.Notify.Recipients = splitList(v)
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Database.Driver == "" {
		switch {
		case strings.HasPrefix(cfg.Database.URL, "postgres://"), strings.HasPrefix(cfg.Database.URL, "postgresql://"):
			cfg.Database.Driver = "postgres"
		default:
			cfg.Database.Driver = "sqlite3"
		}
	}
	if cfg.Database.Driver == "sqlite3" && cfg.Database.URL == "" {
		cfg.Database.URL = "remediator.db"
	}

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 300 * time.Second
	}
	if cfg.Poll.Lookback == 0 {
		cfg.Poll.Lookback = 10 * time.Hour
	}
	if cfg.Poll.Workers == 0 {
		cfg.Poll.Workers = 1
	}
	if cfg.Retry.Threshold == nil {
		n := defaultThreshold
		cfg.Retry.Threshold = &n
	}

	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = 30 * time.Second
	}

	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "gpt-4"
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 60 * time.Second
	}
	if cfg.Oracle.MaxAttempts == 0 {
		cfg.Oracle.MaxAttempts = 3
	}
	if cfg.Oracle.RetryDelay == 0 {
		cfg.Oracle.RetryDelay = 2 * time.Second
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}
	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = 30 * time.Second
	}

	if cfg.Approval.Mode == "" {
		cfg.Approval.Mode = "none"
	}
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = 30 * time.Minute
	}
	if cfg.Approval.Default == "" {
		cfg.Approval.Default = "approve"
	}

	if cfg.Notify.SMTPHost == "" {
		cfg.Notify.SMTPHost = "smtp.gmail.com"
	}
	if cfg.Notify.SMTPPort == 0 {
		cfg.Notify.SMTPPort = 587
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 30 * time.Second
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
