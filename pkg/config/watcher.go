package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch 开始监听配置文件变更。重复调用无副作用。
func (l *Loader[T]) Watch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching || !l.hasFile() {
		return
	}
	l.viper.OnConfigChange(l.handleChange)
	l.viper.WatchConfig()
	l.watching = true
}

// StopWatch 使后续文件事件失效
// viper 不提供关闭底层 fsnotify watcher 的方法
func (l *Loader[T]) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watching = false
}

func (l *Loader[T]) handleChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	next, prev, callbacks, err := l.reload()
	if err != nil {
		l.reportError(err)
		return
	}
	if next == nil {
		return
	}
	for _, fn := range callbacks {
		fn(prev, next)
	}
}

// reload 重新解析配置，返回需在锁外执行的回调
func (l *Loader[T]) reload() (next, prev *T, callbacks []func(prev, next *T), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.watching {
		return nil, nil, nil, nil
	}
	if l.opts.protected {
		return nil, nil, nil, ErrConfigProtected.WithMessage("config change ignored: " + l.viper.ConfigFileUsed())
	}
	// 解析失败时保留上一份有效配置
	next, err = l.decode()
	if err != nil {
		return nil, nil, nil, err
	}
	prev = l.current
	l.current = next
	callbacks = append(callbacks, l.onChange...)
	return next, prev, callbacks, nil
}
