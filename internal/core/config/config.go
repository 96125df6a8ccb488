package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/remediator/internal/infra/llm"
	"github.com/vietddude/remediator/internal/infra/platform"
	redisclient "github.com/vietddude/remediator/internal/infra/redis"
	"github.com/vietddude/remediator/internal/infra/retrieval"
	"github.com/vietddude/remediator/internal/infra/storage/sqlstore"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig              `yaml:"server"`
	Logging     LoggingConfig             `yaml:"logging"`
	Database    sqlstore.Config           `yaml:"database"`
	Redis       redisclient.Config        `yaml:"redis"`
	Platform    platform.Config           `yaml:"platform"`
	Credentials platform.CredentialConfig `yaml:"credentials"`
	Poll        PollConfig                `yaml:"poll"`
	Retry       RetryConfig               `yaml:"retry"`
	Oracle      OracleConfig              `yaml:"oracle"`
	Retrieval   retrieval.Config          `yaml:"retrieval"`
	Approval    ApprovalConfig            `yaml:"approval"`
	Notify      NotifyConfig              `yaml:"notify"`
}

// ServerConfig holds health server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PollConfig controls the poll loop.
type PollConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Lookback  time.Duration `yaml:"lookback"`
	Workers   int           `yaml:"workers"`
	Retention time.Duration `yaml:"retention"` // 0 = keep settled records forever
}

// RetryConfig holds the retry budget.
type RetryConfig struct {
	Threshold *int `yaml:"threshold"`
}

// Budget returns the configured threshold.
func (r RetryConfig) Budget() int {
	if r.Threshold == nil {
		return defaultThreshold
	}
	return *r.Threshold
}

// OracleConfig configures the decision oracle.
type OracleConfig struct {
	llm.Config  `yaml:",inline"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// ApprovalConfig configures the confirmation gate.
type ApprovalConfig struct {
	Mode    string        `yaml:"mode"` // none, file
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
	Default string        `yaml:"default"` // approve, deny
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	SMTPHost   string        `yaml:"smtp_host"`
	SMTPPort   int           `yaml:"smtp_port"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	From       string        `yaml:"from"`
	Recipients []string      `yaml:"recipients"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SMTPEnabled reports whether mail can be sent.
func (n NotifyConfig) SMTPEnabled() bool {
	return n.SMTPHost != "" && n.Username != "" && n.Password != ""
}

// ConfigurationError lists every missing or invalid setting.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Validate checks required settings.
func (c *AppConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Credentials.TenantID == "" {
		add("credentials.tenant_id (AZURE_TENANT_ID) is required")
	}
	if c.Credentials.ClientID == "" {
		add("credentials.client_id (AZURE_CLIENT_ID) is required")
	}
	if c.Credentials.ClientSecret == "" {
		add("credentials.client_secret (AZURE_CLIENT_SECRET) is required")
	}
	if c.Platform.SubscriptionID == "" {
		add("platform.subscription_id (AZURE_SUBSCRIPTION_ID) is required")
	}
	if c.Platform.ResourceGroup == "" {
		add("platform.resource_group (RESOURCE_GROUP_NAME) is required")
	}
	if c.Platform.FactoryName == "" {
		add("platform.factory_name (DATA_FACTORY_NAME) is required")
	}
	if c.Oracle.APIKey == "" {
		add("oracle.api_key (OPENAI_API_KEY) is required")
	}
	if c.Retry.Budget() < 0 {
		add("retry.threshold must be >= 0, got %d", c.Retry.Budget())
	}
	if c.Poll.Interval <= 0 {
		add("poll.interval must be positive")
	}
	if c.Poll.Retention < 0 || (c.Poll.Retention > 0 && c.Poll.Retention <= c.Poll.Lookback) {
		add("poll.retention must be 0 or longer than poll.lookback")
	}
	if c.Poll.Workers < 1 {
		add("poll.workers must be >= 1")
	}
	if c.Oracle.MaxAttempts < 1 {
		add("oracle.max_attempts must be >= 1")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite3":
		if c.Database.URL == "" {
			add("database.url (DATABASE_URL) is required for driver %s", c.Database.Driver)
		}
	default:
		add("database.driver %q is not supported", c.Database.Driver)
	}

	switch c.Approval.Mode {
	case "none":
	case "file":
		if c.Approval.Dir == "" {
			add("approval.dir is required for file approvals")
		}
	default:
		add("approval.mode %q is not supported", c.Approval.Mode)
	}
	if c.Approval.Default != "approve" && c.Approval.Default != "deny" {
		add("approval.default must be approve or deny, got %q", c.Approval.Default)
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}
