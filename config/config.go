// Package config 提供模型目录与运行参数的统一加载。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("modelflow.yaml").
//	    WithEnvPrefix("MODELFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/retry"
)

// Config 是完整的运行配置。
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Audio 语音下载配置
	Audio AudioConfig `yaml:"audio" env:"AUDIO"`

	// Retry 上游调用重试配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Models 共享模型目录，按声明顺序参与解析
	Models []ModelEntry `yaml:"models"`

	// UserModels 按用户标识覆盖的模型目录
	UserModels map[string][]ModelEntry `yaml:"user_models"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// AudioConfig 语音下载配置
type AudioConfig struct {
	// 下载超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 每秒最大下载数
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// RetryConfig 上游重试配置
type RetryConfig struct {
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 延迟上限
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// ToPolicy 转换为重试器策略。未设置的延迟字段取默认值，
// MaxRetries 原样生效（0 表示不重试）。
func (r RetryConfig) ToPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = r.MaxRetries
	if r.InitialDelay > 0 {
		p.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	return p
}

// ModelEntry 是模型目录中的一项，映射为 dispatch.ModelConfig。
type ModelEntry struct {
	Platform   string        `yaml:"platform"`
	Model      string        `yaml:"model"`
	ModelName  string        `yaml:"model_name"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	ModelTypes []string      `yaml:"model_types"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ToModelConfig 转换为分发层的配置形状。
func (e ModelEntry) ToModelConfig(isUserConfig bool) dispatch.ModelConfig {
	types := make([]dispatch.Capability, 0, len(e.ModelTypes))
	for _, t := range e.ModelTypes {
		types = append(types, dispatch.Capability(t))
	}
	return dispatch.ModelConfig{
		Platform:     e.Platform,
		Model:        e.Model,
		ModelName:    e.ModelName,
		BaseURL:      e.BaseURL,
		APIKey:       e.APIKey,
		IsUserConfig: isUserConfig,
		ModelTypes:   types,
		Timeout:      e.Timeout,
	}
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Audio: AudioConfig{
			Timeout:   30 * time.Second,
			RateLimit: 10,
		},
		Retry: RetryConfig{
			MaxRetries:   1,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Audio.RateLimit <= 0 {
		errs = append(errs, "audio rate_limit must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry max_retries must not be negative")
	}
	for i, m := range c.Models {
		if m.Platform == "" || m.Model == "" {
			errs = append(errs, fmt.Sprintf("models[%d]: platform and model are required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "MODELFLOW",
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置带 env tag 的结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}
