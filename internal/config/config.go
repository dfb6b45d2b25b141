package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultPackage            = "@upstash/vector"
	DefaultDeprecationMessage = "This CI version has been deprecated due to retention policy"
	DefaultDays               = 9
	DefaultKeepCount          = 5
	DefaultMetricsJob         = "npmretain"

	envPrefix = "NPMRETAIN"
)

type Config struct {
	Package       string               `mapstructure:"package"`
	Token         string               `mapstructure:"token"`
	Registry      RegistryConfig       `mapstructure:"registry"`
	Retention     RetentionConfig      `mapstructure:"retention"`
	Concurrency   int                  `mapstructure:"concurrency"`
	DryRun        bool                 `mapstructure:"dry_run"`
	FailOnError   bool                 `mapstructure:"fail_on_error"`
	Notifications []NotificationConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig        `mapstructure:"metrics"`
}

type RegistryConfig struct {
	Command string `mapstructure:"command"`
	URL     string `mapstructure:"url"`
}

type RetentionConfig struct {
	Days      int    `mapstructure:"days"`
	KeepCount int    `mapstructure:"keep_count"`
	Message   string `mapstructure:"message"`
}

// Window is the age under which a CI version is always kept.
func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

type NotificationConfig struct {
	Type   string              `mapstructure:"type"`
	On     []string            `mapstructure:"on"`
	Config NotificationDetails `mapstructure:"config"`
}

type NotificationDetails struct {
	SMTPHost string            `mapstructure:"smtp_host"`
	SMTPPort int               `mapstructure:"smtp_port"`
	From     string            `mapstructure:"from"`
	To       string            `mapstructure:"to"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	URL      string            `mapstructure:"url"`
	Headers  map[string]string `mapstructure:"headers"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// LoadDotEnv loads a .env file into the process environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadConfig builds the configuration from defaults, the optional file at
// path and NPMRETAIN_* environment variables, in increasing precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("token", envPrefix+"_TOKEN", "NPM_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind token env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ModifyConfig(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("package", DefaultPackage)
	v.SetDefault("token", "")
	v.SetDefault("registry.command", "npm")
	v.SetDefault("registry.url", "")
	v.SetDefault("retention.days", DefaultDays)
	v.SetDefault("retention.keep_count", DefaultKeepCount)
	v.SetDefault("retention.message", DefaultDeprecationMessage)
	v.SetDefault("concurrency", 1)
	v.SetDefault("dry_run", false)
	v.SetDefault("fail_on_error", false)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", DefaultMetricsJob)
}

// ModifyConfig expands ${VAR} references in string settings.
func ModifyConfig(cfg *Config) {
	cfg.Package = os.ExpandEnv(cfg.Package)
	cfg.Token = os.ExpandEnv(cfg.Token)
	cfg.Registry.Command = os.ExpandEnv(cfg.Registry.Command)
	cfg.Registry.URL = os.ExpandEnv(cfg.Registry.URL)
	cfg.Metrics.PushgatewayURL = os.ExpandEnv(cfg.Metrics.PushgatewayURL)
	cfg.Metrics.Job = os.ExpandEnv(cfg.Metrics.Job)

	for i := range cfg.Notifications {
		nt := &cfg.Notifications[i]
		nt.Type = os.ExpandEnv(nt.Type)
		for j := range nt.On {
			nt.On[j] = os.ExpandEnv(nt.On[j])
		}
		nt.Config.SMTPHost = os.ExpandEnv(nt.Config.SMTPHost)
		nt.Config.From = os.ExpandEnv(nt.Config.From)
		nt.Config.To = os.ExpandEnv(nt.Config.To)
		nt.Config.Username = os.ExpandEnv(nt.Config.Username)
		nt.Config.Password = os.ExpandEnv(nt.Config.Password)
		nt.Config.URL = os.ExpandEnv(nt.Config.URL)
		for k, v := range nt.Config.Headers {
			nt.Config.Headers[k] = os.ExpandEnv(v)
		}
	}
}
