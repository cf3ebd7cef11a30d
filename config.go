package byor

import (
	"fmt"

	"github.com/B33Boy/BYOR/internal/confloader"
	"github.com/B33Boy/BYOR/internal/logging"
	"github.com/B33Boy/BYOR/server"
)

// Config 为进程级配置，对应 YAML 文件的三个节。
type Config struct {
	Server  server.Config  `koanf:"server"`
	Log     logging.Config `koanf:"log"`
	Metrics MetricsConfig  `koanf:"metrics"`
}

// MetricsConfig 为指标 HTTP 端点；Address 为空时不启动。
type MetricsConfig struct {
	Address string `koanf:"address"`
}

func DefaultConfig() Config {
	return Config{
		Server: server.DefaultConfig(),
		Log:    logging.DefaultConfig(),
	}
}

// LoadConfig 以默认值为底，依次叠加 YAML 文件、BYOR_ 环境变量与 overrides（点分键）。
func LoadConfig(path string, overrides map[string]any) (Config, error) {
	cfg := DefaultConfig()
	l := confloader.NewLoader()
	if err := l.LoadFile(path); err != nil {
		return cfg, err
	}
	if err := l.LoadEnv(); err != nil {
		return cfg, err
	}
	if err := l.LoadMap(overrides); err != nil {
		return cfg, err
	}
	if err := l.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("byor: config: %w", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
