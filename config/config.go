package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-assist/credential"
	"github.com/dhcgn/mail-assist/filter"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "MAILASSIST_CONFIG"

const envPrefix = "MAILASSIST"

type IMAPConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Folder             string `mapstructure:"folder"`
	UseSSL             bool   `mapstructure:"use_ssl"`
	StartTLS           bool   `mapstructure:"starttls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	TimeoutSec         int    `mapstructure:"timeout"`
}

func (c IMAPConfig) Timeout() time.Duration { return seconds(c.TimeoutSec) }

type SMTPConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Sender             string `mapstructure:"sender"`
	UseSSL             bool   `mapstructure:"use_ssl"`
	UseTLS             bool   `mapstructure:"use_tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	TimeoutSec         int    `mapstructure:"timeout"`
}

func (c SMTPConfig) Timeout() time.Duration { return seconds(c.TimeoutSec) }

// From is the envelope and header sender; the login name is used when no
// explicit sender is configured.
func (c SMTPConfig) From() string {
	if c.Sender != "" {
		return c.Sender
	}
	return c.Username
}

type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	RequestTimeout int     `mapstructure:"request_timeout"`
}

func (c LLMConfig) Timeout() time.Duration { return seconds(c.RequestTimeout) }

type AttachmentPolicy struct {
	IncludePDFDocx        bool `mapstructure:"include_pdf_docx"`
	MaxAttachmentSizeMB   int  `mapstructure:"max_attachment_size_mb"`
	TextExtractionTimeout int  `mapstructure:"text_extraction_timeout"`
}

func (p AttachmentPolicy) MaxBytes() int64 {
	return int64(p.MaxAttachmentSizeMB) * 1024 * 1024
}

func (p AttachmentPolicy) Timeout() time.Duration { return seconds(p.TextExtractionTimeout) }

type QueuePolicy struct {
	DeleteAfterSuccess   bool   `mapstructure:"delete_after_success"`
	ArchiveBeforeDelete  string `mapstructure:"archive_before_delete"`
	MaxFailures          int    `mapstructure:"max_failures"`
	RetryAttempts        int    `mapstructure:"retry_attempts"`
	RetryInitialInterval int    `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     int    `mapstructure:"retry_max_interval"`
}

type StateConfig struct {
	Dir               string `mapstructure:"dir"`
	DeletedRecordPath string `mapstructure:"deleted_record_path"`
	FailedRecordPath  string `mapstructure:"failed_record_path"`
}

type PromptLimits struct {
	MaxBodyChars       int `mapstructure:"max_body_chars"`
	MaxAttachmentChars int `mapstructure:"max_attachment_chars"`
	MaxTotalChars      int `mapstructure:"max_total_chars"`
}

// Config is the validated application configuration. It is passed by value
// into constructors; nothing reads it globally.
type Config struct {
	IMAP           IMAPConfig       `mapstructure:"imap"`
	SMTP           SMTPConfig       `mapstructure:"smtp"`
	LLM            LLMConfig        `mapstructure:"llm"`
	TrustedSenders []string         `mapstructure:"trusted_senders"`
	Attachments    AttachmentPolicy `mapstructure:"attachment_policy"`
	Queue          QueuePolicy      `mapstructure:"queue_policy"`
	State          StateConfig      `mapstructure:"state"`
	Prompt         PromptLimits     `mapstructure:"prompt"`

	// Runtime options from the command line.
	ConfigPath string `mapstructure:"-"`
	LogLevel   string `mapstructure:"-"`
	LogDir     string `mapstructure:"-"`
	Progress   bool   `mapstructure:"-"`
}

// SecretLookup resolves a secret that is empty after file and environment
// loading. ErrNotFound-style misses should return "", nil.
type SecretLookup func(key string) (string, error)

// KeyringLookup reads secrets from the OS keyring.
func KeyringLookup(key string) (string, error) {
	value, err := credential.Get(key)
	if errors.Is(err, credential.ErrNotFound) {
		return "", nil
	}
	return value, err
}

func setDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.use_ssl", true)
	v.SetDefault("imap.starttls", false)
	v.SetDefault("imap.insecure_skip_verify", false)
	v.SetDefault("imap.timeout", 30)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.sender", "")
	v.SetDefault("smtp.use_ssl", false)
	v.SetDefault("smtp.use_tls", true)
	v.SetDefault("smtp.insecure_skip_verify", false)
	v.SetDefault("smtp.timeout", 60)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1500)
	v.SetDefault("llm.request_timeout", 60)

	v.SetDefault("attachment_policy.include_pdf_docx", true)
	v.SetDefault("attachment_policy.max_attachment_size_mb", 10)
	v.SetDefault("attachment_policy.text_extraction_timeout", 30)

	v.SetDefault("queue_policy.delete_after_success", true)
	v.SetDefault("queue_policy.archive_before_delete", "")
	v.SetDefault("queue_policy.max_failures", 3)
	v.SetDefault("queue_policy.retry_attempts", 3)
	v.SetDefault("queue_policy.retry_initial_interval", 2)
	v.SetDefault("queue_policy.retry_max_interval", 30)

	v.SetDefault("state.dir", stateDir)
	v.SetDefault("state.deleted_record_path", "deleted.jsonl")
	v.SetDefault("state.failed_record_path", "failed.jsonl")

	v.SetDefault("prompt.max_body_chars", 20000)
	v.SetDefault("prompt.max_attachment_chars", 40000)
	v.SetDefault("prompt.max_total_chars", 100000)
}

// Load reads the config file at path (or $MAILASSIST_CONFIG), expands
// ${VAR} placeholders, applies MAILASSIST_* environment overrides and fills
// empty secrets through lookup. The result is validated.
func Load(path string, lookup SecretLookup) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path == "" {
		return Config{}, fmt.Errorf("configuration file must be given via --config or %s", EnvConfigPath)
	}
	path = expandHome(path)

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return Config{}, err
	}

	configType, err := configTypeOf(path)
	if err != nil {
		return Config{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	expanded, err := ExpandPlaceholders(string(raw))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	stateDir, err := defaultStateDir()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType(configType)
	setDefaults(v, stateDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	cfg.ConfigPath = path

	if err := cfg.resolveSecrets(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolveSecrets(lookup SecretLookup) error {
	if lookup == nil {
		return nil
	}
	secrets := []struct {
		key    string
		target *string
	}{
		{credential.KeyIMAPPassword, &c.IMAP.Password},
		{credential.KeySMTPPassword, &c.SMTP.Password},
		{credential.KeyLLMAPIKey, &c.LLM.APIKey},
	}
	for _, s := range secrets {
		if *s.target != "" {
			continue
		}
		value, err := lookup(s.key)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", s.key, err)
		}
		*s.target = value
	}
	return nil
}

func (c *Config) normalize() {
	senders := make([]string, 0, len(c.TrustedSenders))
	for _, s := range c.TrustedSenders {
		if addr := filter.Address(s); addr != "" {
			senders = append(senders, addr)
		}
	}
	c.TrustedSenders = senders

	c.State.Dir = filepath.Clean(expandHome(c.State.Dir))
	if c.Queue.ArchiveBeforeDelete != "" {
		c.Queue.ArchiveBeforeDelete = filepath.Clean(expandHome(c.Queue.ArchiveBeforeDelete))
	}
	if c.SMTP.Sender == "" {
		c.SMTP.Sender = c.SMTP.Username
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations the run cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.IMAP.Host == "" {
		errs = append(errs, fmt.Errorf("imap.host is required"))
	}
	if c.IMAP.Username == "" {
		errs = append(errs, fmt.Errorf("imap.username is required"))
	}
	if c.IMAP.Password == "" {
		errs = append(errs, fmt.Errorf("imap.password must be set in the config, %s_IMAP_PASSWORD or the keyring (%s)", envPrefix, credential.KeyIMAPPassword))
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		errs = append(errs, fmt.Errorf("imap.port must be between 1 and 65535"))
	}
	if c.IMAP.UseSSL && c.IMAP.StartTLS {
		errs = append(errs, fmt.Errorf("imap.use_ssl and imap.starttls are mutually exclusive"))
	}
	if c.SMTP.Host == "" {
		errs = append(errs, fmt.Errorf("smtp.host is required"))
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port must be between 1 and 65535"))
	}
	if c.SMTP.From() == "" {
		errs = append(errs, fmt.Errorf("smtp.sender or smtp.username is required"))
	}
	if c.SMTP.UseSSL && c.SMTP.UseTLS {
		errs = append(errs, fmt.Errorf("smtp.use_ssl and smtp.use_tls are mutually exclusive"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.api_key must be set in the config, %s_LLM_API_KEY or the keyring (%s)", envPrefix, credential.KeyLLMAPIKey))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be positive"))
	}
	if len(c.TrustedSenders) == 0 {
		errs = append(errs, fmt.Errorf("trusted_senders must contain at least one entry"))
	}
	if c.Attachments.MaxAttachmentSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("attachment_policy.max_attachment_size_mb must be positive"))
	}
	if c.Attachments.TextExtractionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attachment_policy.text_extraction_timeout must be positive"))
	}
	if c.Queue.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("queue_policy.max_failures must not be negative"))
	}
	if c.Queue.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("queue_policy.retry_attempts must be positive"))
	}
	if c.State.DeletedRecordPath == "" || c.State.FailedRecordPath == "" {
		errs = append(errs, fmt.Errorf("state.deleted_record_path and state.failed_record_path are required"))
	}
	if c.State.DeletedRecordPath != "" && c.State.DeletedRecordPath == c.State.FailedRecordPath {
		errs = append(errs, fmt.Errorf("state.deleted_record_path and state.failed_record_path must differ"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid --log-level: %s", c.LogLevel))
	}

	return errors.Join(errs...)
}

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandPlaceholders replaces every ${VAR} with the value of the environment
// variable VAR. An unset variable is an error.
func ExpandPlaceholders(text string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(placeholder.FindStringSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable(s) not set for placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// RegisterFlags attaches the flags shared by all commands.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to the YAML or JSON config file (falls back to "+EnvConfigPath+")")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (logs are also written to stdout)")
	flags.Bool("progress", false, "Show a progress bar and summary (only with --log-level info)")
	return cmd.MarkPersistentFlagFilename("config", "yaml", "yml", "json")
}

// LoadConfig reads the shared flags and loads the config file they name.
func LoadConfig(cmd *cobra.Command, lookup SecretLookup) (Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	showProgress, err := flags.GetBool("progress")
	if err != nil {
		return Config{}, err
	}

	// Runtime options are validated together with the file.
	runtime := Config{LogLevel: logLevel}
	runtime.normalize()
	if err := runtime.validateRuntime(); err != nil {
		return Config{}, err
	}

	cfg, err := Load(path, lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = runtime.LogLevel
	cfg.LogDir = logDir
	cfg.Progress = showProgress
	return cfg, nil
}

func (c Config) validateRuntime() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid --log-level: %s", c.LogLevel)
	}
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("loading %s: %w", abs, err)
		}
	}
	return nil
}

func configTypeOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".json":
		return "json", nil
	default:
		return "", fmt.Errorf("unsupported configuration format %q (use .yaml, .yml or .json)", filepath.Ext(path))
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-assist", "state"), nil
}
