package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/neuron/internal/models"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const DefaultTimeoutSeconds = 300

type Config struct {
	Wallet   string              `mapstructure:"wallet" yaml:"wallet"`
	Token    string              `mapstructure:"token" yaml:"token"`
	Skills   []string            `mapstructure:"skills" yaml:"skills,omitempty"`
	Agent    models.AgentProfile `mapstructure:"agent" yaml:"agent"`
	Settings Settings            `mapstructure:"settings" yaml:"settings"`

	// Source is the file the config was read from, empty when only
	// defaults and environment were used.
	Source  string `mapstructure:"-" yaml:"-"`
	DataDir string `mapstructure:"-" yaml:"-"`
}

// Settings holds the worker tunables. Intervals are in milliseconds,
// timeouts in seconds.
type Settings struct {
	ServerURL          string   `mapstructure:"server_url" yaml:"server_url"`
	MaxConcurrent      int      `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	PollInterval       int      `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPollBackoff     int      `mapstructure:"max_poll_backoff" yaml:"max_poll_backoff"`
	MaxRegisterBackoff int      `mapstructure:"max_register_backoff" yaml:"max_register_backoff"`
	StatsInterval      int      `mapstructure:"stats_interval" yaml:"stats_interval"`
	AllowDangerous     bool     `mapstructure:"allow_dangerous" yaml:"allow_dangerous"`
	SubmitMetadata     bool     `mapstructure:"submit_metadata" yaml:"submit_metadata"`
	SubmitAttempts     int      `mapstructure:"submit_attempts" yaml:"submit_attempts"`
	DefaultWorkDir     string   `mapstructure:"default_work_dir" yaml:"default_work_dir,omitempty"`
	DefaultTimeout     int      `mapstructure:"default_timeout" yaml:"default_timeout"`
	NoiseMarkers       []string `mapstructure:"noise_markers" yaml:"noise_markers,omitempty"`
	JournalPath        string   `mapstructure:"journal_path" yaml:"journal_path,omitempty"`
	MetricsAddr        string   `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`
	LogLevel           string   `mapstructure:"log_level" yaml:"log_level"`
	LogFormat          string   `mapstructure:"log_format" yaml:"log_format"`
}

var ErrNotFound = errors.New("no config.yaml found")

// Load reads the configuration. An explicit path wins; otherwise config.yaml
// (or .yml) is looked up in the current directory and then in the data
// directory. NEURON_* environment variables override file values.
func Load(path string) (*Config, error) {
	dataDir, err := dataDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NEURON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(dataDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w (looked in . and %s)", ErrNotFound, dataDir)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.Source = v.ConfigFileUsed()
	c.DataDir = dataDir

	if c.Settings.JournalPath == "" && !v.IsSet("settings.journal_path") {
		c.Settings.JournalPath = filepath.Join(dataDir, "neuron.db")
	}

	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.type", string(models.AgentClaude))
	v.SetDefault("agent.command", "claude")
	v.SetDefault("settings.server_url", "http://localhost:3000")
	v.SetDefault("settings.max_concurrent", 1)
	v.SetDefault("settings.poll_interval", 5000)
	v.SetDefault("settings.max_poll_backoff", 60000)
	v.SetDefault("settings.max_register_backoff", 60000)
	v.SetDefault("settings.stats_interval", 60000)
	v.SetDefault("settings.submit_attempts", 5)
	v.SetDefault("settings.default_timeout", DefaultTimeoutSeconds)
	v.SetDefault("settings.noise_markers", []string{"cygpath"})
	v.SetDefault("settings.log_level", "info")
	v.SetDefault("settings.log_format", "json")

	// AutomaticEnv only applies to keys viper already knows about.
	v.SetDefault("wallet", "")
	v.SetDefault("token", "")
	v.SetDefault("agent.args", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.timeout", 0)
	v.SetDefault("agent.script", "")
	v.SetDefault("settings.allow_dangerous", false)
	v.SetDefault("settings.submit_metadata", false)
	v.SetDefault("settings.default_work_dir", "")
	v.SetDefault("settings.metrics_addr", "")
}

// Validate reports configuration defects that must stop the worker before
// it registers.
func (c *Config) Validate() error {
	var errs []error
	if c.Wallet == "" {
		errs = append(errs, errors.New("wallet is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.Settings.ServerURL == "" {
		errs = append(errs, errors.New("settings.server_url is required"))
	}
	if c.Agent.Command == "" {
		errs = append(errs, errors.New("agent.command is required"))
	}
	if !c.Agent.Type.Valid() {
		errs = append(errs, fmt.Errorf("agent.type %q is not one of %v", c.Agent.Type, models.AgentTypes))
	}
	if c.Agent.Type == models.AgentScript && c.Agent.Script == "" {
		errs = append(errs, errors.New("agent.script is required for script agents"))
	}
	if c.Settings.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("settings.max_concurrent must be at least 1, got %d", c.Settings.MaxConcurrent))
	}
	if c.Settings.SubmitAttempts < 1 {
		errs = append(errs, fmt.Errorf("settings.submit_attempts must be at least 1, got %d", c.Settings.SubmitAttempts))
	}
	if c.Settings.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("settings.poll_interval must be positive, got %d", c.Settings.PollInterval))
	}
	return errors.Join(errs...)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Settings.PollInterval) * time.Millisecond
}

// MaxPollBackoff never drops below the poll interval.
func (c *Config) MaxPollBackoff() time.Duration {
	return maxDuration(time.Duration(c.Settings.MaxPollBackoff)*time.Millisecond, c.PollInterval())
}

func (c *Config) MaxRegisterBackoff() time.Duration {
	return maxDuration(time.Duration(c.Settings.MaxRegisterBackoff)*time.Millisecond, c.PollInterval())
}

func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Settings.StatsInterval) * time.Millisecond
}

func (c *Config) DefaultTimeout() time.Duration {
	if c.Settings.DefaultTimeout <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.Settings.DefaultTimeout) * time.Second
}

func (c *Config) EnsureDataDir() error {
	if c.Settings.JournalPath == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(c.Settings.JournalPath), 0755)
}

// Example returns the starter configuration written by `neuron init`.
func Example() *Config {
	return &Config{
		Wallet: "0xYOUR_WALLET",
		Token:  "you@example.com",
		Skills: []string{"code", "review"},
		Agent: models.AgentProfile{
			Type:           models.AgentClaude,
			Command:        "claude",
			Args:           "--max-turns 10",
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Settings: Settings{
			ServerURL:          "http://localhost:3000",
			MaxConcurrent:      1,
			PollInterval:       5000,
			MaxPollBackoff:     60000,
			MaxRegisterBackoff: 60000,
			StatsInterval:      60000,
			SubmitAttempts:     5,
			DefaultTimeout:     DefaultTimeoutSeconds,
			NoiseMarkers:       []string{"cygpath"},
			LogLevel:           "info",
			LogFormat:          "json",
		},
	}
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func dataDir() (string, error) {
	if dir, ok := os.LookupEnv("NEURON_DATA_DIR"); ok {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".neuron"), nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
