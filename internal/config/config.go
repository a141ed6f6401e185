package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Poll    PollConfig    `mapstructure:"poll"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Studio  StudioConfig  `mapstructure:"studio"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Editor  EditorConfig  `mapstructure:"editor"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	// StrictTransport turns poll transport failures into immediate errors
	// instead of counting them as pending attempts.
	StrictTransport bool `mapstructure:"strict_transport"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type StudioConfig struct {
	LogCapacity int    `mapstructure:"log_capacity"`
	Mode        string `mapstructure:"mode"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type EditorConfig struct {
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	WorkDir    string `mapstructure:"work_dir"`
	FontFile   string `mapstructure:"font_file"`
}

const envPrefix = "LORAFRAME"

// Load reads .env (if present), an optional loraframe.yaml and LORAFRAME_*
// environment variables, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("loraframe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 60*time.Second)

	v.SetDefault("poll.interval", 3*time.Second)
	v.SetDefault("poll.max_attempts", 60)
	v.SetDefault("poll.strict_transport", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("studio.log_capacity", 20)
	v.SetDefault("studio.mode", "image")

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("editor.ffmpeg_path", "ffmpeg")
	v.SetDefault("editor.work_dir", "")
	v.SetDefault("editor.font_file", "")
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("poll.max_attempts must be at least 1, got %d", c.Poll.MaxAttempts)
	}
	if c.Studio.LogCapacity < 1 {
		c.Studio.LogCapacity = 20
	}
	return nil
}
