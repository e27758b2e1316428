package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	UserID   string `mapstructure:"user_id"`
	Username string `mapstructure:"username"`

	BrokerURL     string        `mapstructure:"broker_url"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`

	ICEServers []string `mapstructure:"ice_servers"`

	NoAnswerTimeout time.Duration `mapstructure:"no_answer_timeout"`
	ICEGraceWindow  time.Duration `mapstructure:"ice_grace_window"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`

	VideoCapable bool `mapstructure:"video_capable"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("username", "guest")
	v.SetDefault("broker_url", "ws://localhost:8008/ws")
	v.SetDefault("retry_interval", "100ms")
	v.SetDefault("retry_attempts", 50)
	v.SetDefault("ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("no_answer_timeout", "30s")
	v.SetDefault("ice_grace_window", "5s")
	v.SetDefault("publish_timeout", "10s")
	v.SetDefault("video_capable", true)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
