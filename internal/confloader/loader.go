// Package confloader 从多个来源加载配置，优先级：flag > env > 文件 > 默认值。
package confloader

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix 为环境变量默认前缀。
const DefaultEnvPrefix = "BYOR_"

// envNestSep 分隔环境变量中的层级，单个下划线保留给键名本身（max_frame）。
const envNestSep = "__"

type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

type Option func(*Loader)

func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

func WithConfigFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load 依次加载文件与环境变量，然后写入 target。target 中已有的值作为默认值，
// 未出现在任何来源中的字段保持不变。flag 通过 LoadMap 在 Load 之前或之后叠加。
func (l *Loader) Load(target any) error {
	if err := l.LoadFile(l.filePath); err != nil {
		return err
	}
	if err := l.LoadEnv(); err != nil {
		return err
	}
	if err := l.Unmarshal(target); err != nil {
		return fmt.Errorf("confloader: unmarshal: %w", err)
	}
	return nil
}

// LoadFile 加载 YAML 文件；path 为空时为空操作。
func (l *Loader) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	if err := l.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("confloader: load file %s: %w", path, err)
	}
	return nil
}

// LoadEnv 加载带前缀的环境变量：BYOR_SERVER__MAX_FRAME -> server.max_frame。
func (l *Loader) LoadEnv() error {
	transform := func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, envNestSep, ".")
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
		return fmt.Errorf("confloader: load env: %w", err)
	}
	return nil
}

// LoadMap 叠加以点分键表示的值，用于命令行 flag 与测试。
func (l *Loader) LoadMap(data map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := l.k.Load(mapProvider(data), nil); err != nil {
		return fmt.Errorf("confloader: load map: %w", err)
	}
	return nil
}

func (l *Loader) Unmarshal(target any) error {
	return l.k.Unmarshal("", target)
}

func (l *Loader) Get(key string) any { return l.k.Get(key) }

func (l *Loader) Keys() []string { return l.k.Keys() }
