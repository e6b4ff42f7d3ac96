package config

import "github.com/multpex/linkd/pkg/errors"

var (
	// ErrConfigNotFound 配置文件未找到
	ErrConfigNotFound = errors.New(500, "CONFIG_NOT_FOUND", "config file not found")
	// ErrConfigReadFailed 配置读取或解析失败
	ErrConfigReadFailed = errors.New(500, "CONFIG_READ_FAILED", "config read failed")
	// ErrConfigInvalid 配置未通过校验
	ErrConfigInvalid = errors.New(500, "CONFIG_INVALID", "config invalid")
	// ErrConfigProtected 保护模式下拒绝热更新
	ErrConfigProtected = errors.New(500, "CONFIG_PROTECTED", "config is protected")
)
