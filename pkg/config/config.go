// Package config 基于 viper 的类型化配置加载器，支持默认值、环境变量覆盖与热更新。
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Validator 配置结构体可选实现的校验接口
type Validator interface {
	Validate() error
}

// Loader 将配置文件与环境变量解析到类型 T
type Loader[T any] struct {
	viper *viper.Viper
	mu    sync.RWMutex
	opts  options

	current  *T
	watching bool
	onChange []func(prev, next *T)
}

type options struct {
	file      string
	name      string
	typ       string
	paths     []string
	envPrefix string
	defaults  map[string]any
	protected bool
	onError   func(error)
}

// Option 加载器选项
type Option func(*options)

// WithConfigFile 指定配置文件完整路径
func WithConfigFile(path string) Option {
	return func(o *options) { o.file = path }
}

// WithConfigName 设置配置文件名（不含扩展名）及搜索路径
func WithConfigName(name string, paths ...string) Option {
	return func(o *options) {
		o.name = name
		o.paths = paths
	}
}

// WithConfigType 设置配置文件类型（yaml/json/toml）
func WithConfigType(typ string) Option {
	return func(o *options) { o.typ = typ }
}

// WithEnvPrefix 设置环境变量前缀，键中的 "." 映射为 "_"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.envPrefix = prefix }
}

// WithDefaults 设置默认值，环境变量只能覆盖已知键
func WithDefaults(defaults map[string]any) Option {
	return func(o *options) { o.defaults = defaults }
}

// WithProtected 保护模式：忽略运行期的配置文件修改并通过 onError 报告
func WithProtected(protected bool) Option {
	return func(o *options) { o.protected = protected }
}

// WithOnError 设置热更新错误回调
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// New 创建加载器
func New[T any](opts ...Option) *Loader[T] {
	l := &Loader[T]{viper: viper.New()}
	for _, opt := range opts {
		opt(&l.opts)
	}
	return l
}

// Load 读取配置并解析。未指定配置文件时仅使用默认值与环境变量。
func (l *Loader[T]) Load() (*T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, v := range l.opts.defaults {
		l.viper.SetDefault(k, v)
	}
	if l.opts.envPrefix != "" {
		l.viper.SetEnvPrefix(l.opts.envPrefix)
		l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		l.viper.AutomaticEnv()
	}

	if l.hasFile() {
		if l.opts.file != "" {
			l.viper.SetConfigFile(l.opts.file)
		} else {
			l.viper.SetConfigName(l.opts.name)
			for _, p := range l.opts.paths {
				l.viper.AddConfigPath(p)
			}
		}
		if l.opts.typ != "" {
			l.viper.SetConfigType(l.opts.typ)
		}
		if err := l.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return nil, ErrConfigNotFound.WithError(err)
			}
			return nil, ErrConfigReadFailed.WithError(err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return cfg, nil
}

// Current 返回最近一次成功解析的配置
func (l *Loader[T]) Current() *T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// ConfigFileUsed 返回实际读取的配置文件路径
func (l *Loader[T]) ConfigFileUsed() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.viper.ConfigFileUsed()
}

// OnChange 注册热更新回调，回调在锁外执行
func (l *Loader[T]) OnChange(fn func(prev, next *T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

func (l *Loader[T]) hasFile() bool {
	return l.opts.file != "" || l.opts.name != ""
}

// decode 调用方必须持有 mu
func (l *Loader[T]) decode() (*T, error) {
	cfg := new(T)
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.viper.Unmarshal(cfg, hook); err != nil {
		return nil, ErrConfigReadFailed.WithError(err)
	}
	if v, ok := any(cfg).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, ErrConfigInvalid.WithError(err)
		}
	}
	return cfg, nil
}

func (l *Loader[T]) reportError(err error) {
	if l.opts.onError != nil {
		l.opts.onError(err)
		return
	}
	fmt.Printf("[config] %v\n", err)
}
