package cli

// ============================================================================
// 職責說明：
// 1. 定義 YAML 配置結構（server / tasks / history / metrics / log / media / metadata / images）
// 2. 以預設值為底載入配置文件，文件只需覆寫要改的欄位
// 3. 依 log 區段建立 logrus Logger
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/scenescape/internal/controller"
	"github.com/ChuLiYu/scenescape/internal/history"
	"github.com/ChuLiYu/scenescape/internal/tasks"
)

// DefaultConfigPath 預設配置文件路徑；不存在時使用內建預設值
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete system configuration structure
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Tasks   controller.Config `yaml:"tasks"`
	History history.Config    `yaml:"history"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Media    tasks.MediaConfig    `yaml:"media"`
	Metadata tasks.MetadataConfig `yaml:"metadata"`
	Images   tasks.ImageConfig    `yaml:"images"`
}

// DefaultConfig 返回內建預設配置
func DefaultConfig() *Config {
	cfg := &Config{
		Tasks:  controller.DefaultConfig(),
		Media:    tasks.DefaultMediaConfig(),
		Metadata: tasks.DefaultMetadataConfig(),
		Images:   tasks.DefaultImageConfig(),
	}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8000
	cfg.History.Driver = history.DriverNone
	cfg.Metrics.Enabled = true
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Addr 返回 HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// loadConfig 讀取配置文件並覆寫預設值
//
// 預設路徑的文件不存在時直接使用預設值；明確指定的路徑必須存在。
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Tasks.Validate(); err != nil {
		return nil, err
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}

// newLogger 依配置建立 Logger
func newLogger(cfg *Config, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}
	return logger, nil
}
