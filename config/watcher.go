// 配置文件变更监听。
//
// 通过 fsnotify 监听所在目录，按修改时间判定变更并经防抖后回调；
// fsnotify 不可用时退回轮询。serve 用它在运行时调整日志级别。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileOp 文件变更类型
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置防抖时间
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithPollInterval 设置轮询间隔，仅在轮询模式下生效
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.pollInterval = d }
}

// WithPolling 强制使用轮询，适用于 NFS 等不产生 inotify 事件的文件系统
func WithPolling() WatcherOption {
	return func(w *FileWatcher) { w.polling = true }
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// FileWatcher 监听单个配置文件
type FileWatcher struct {
	mu sync.Mutex

	path          string
	debounceDelay time.Duration
	pollInterval  time.Duration
	polling       bool

	running  bool
	stopChan chan struct{}
	done     chan struct{}

	callbacks []func(FileEvent)
	lastMod   time.Time
	exists    bool

	logger *zap.Logger
}

// NewFileWatcher 创建监听器，文件暂不存在时只记录警告
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		path:          filepath.Clean(path),
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	info, err := os.Stat(path)
	switch {
	case err == nil:
		w.exists, w.lastMod = true, info.ModTime()
	case os.IsNotExist(err):
		w.logger.Warn("config file does not exist, will watch for creation", zap.String("path", path))
	default:
		return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
	}
	return w, nil
}

// OnChange 注册回调，回调在监听 goroutine 中串行执行
func (w *FileWatcher) OnChange(cb func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start 开始监听，ctx 取消或 Stop 后退出
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	var fsw *fsnotify.Watcher
	if !w.polling {
		var err error
		if fsw, err = w.newNotifyWatcher(); err != nil {
			w.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
			fsw = nil
		}
	}

	go w.loop(ctx, fsw)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Bool("polling", fsw == nil),
		zap.Duration("debounce_delay", w.debounceDelay),
	)
	return nil
}

// newNotifyWatcher 监听父目录，这样文件的创建、删除与原子替换都能收到
func (w *FileWatcher) newNotifyWatcher() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return fsw, nil
}

// Stop 停止监听并等待 goroutine 退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("config watcher stopped")
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)

	var (
		tick     <-chan time.Time
		events   <-chan fsnotify.Event
		errs     <-chan error
		pending  *FileEvent
		debounce <-chan time.Time
	)
	if fsw != nil {
		defer fsw.Close()
		events, errs = fsw.Events, fsw.Errors
	} else {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	observe := func() {
		ev, ok := w.check()
		if !ok {
			return
		}
		// 防抖窗口内 CREATE 之后的 WRITE 仍视为 CREATE
		if pending == nil || pending.Op != FileOpCreate || ev.Op != FileOpWrite {
			pending = &ev
		}
		debounce = time.After(w.debounceDelay)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-tick:
			observe()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path {
				observe()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		case <-debounce:
			debounce = nil
			if pending != nil {
				w.dispatch(*pending)
				pending = nil
			}
		}
	}
}

// check 比较修改时间，返回检测到的变更
func (w *FileWatcher) check() (FileEvent, bool) {
	info, err := os.Stat(w.path)
	now := time.Now()
	if err != nil {
		if os.IsNotExist(err) && w.exists {
			w.exists = false
			return FileEvent{Path: w.path, Op: FileOpRemove, Timestamp: now}, true
		}
		return FileEvent{}, false
	}
	if !w.exists {
		w.exists, w.lastMod = true, info.ModTime()
		return FileEvent{Path: w.path, Op: FileOpCreate, Timestamp: now}, true
	}
	if info.ModTime().After(w.lastMod) {
		w.lastMod = info.ModTime()
		return FileEvent{Path: w.path, Op: FileOpWrite, Timestamp: now}, true
	}
	return FileEvent{}, false
}

func (w *FileWatcher) dispatch(ev FileEvent) {
	w.mu.Lock()
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Debug("dispatching file event", zap.String("path", ev.Path), zap.String("op", ev.Op.String()))
	for _, cb := range callbacks {
		cb(ev)
	}
}

// =============================================================================
// 日志级别热更新
// =============================================================================

// LogLevelReloader 在配置文件变化时重新加载并应用 log.level。
// 其余配置项需要重启才能生效。
type LogLevelReloader struct {
	loader *Loader
	level  zap.AtomicLevel
	logger *zap.Logger
}

// NewLogLevelReloader 创建 reloader，loader 应与启动时使用的一致
func NewLogLevelReloader(loader *Loader, level zap.AtomicLevel, logger *zap.Logger) *LogLevelReloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogLevelReloader{loader: loader, level: level, logger: logger.With(zap.String("component", "log_level_reloader"))}
}

// Attach 把 reloader 注册到 watcher
func (r *LogLevelReloader) Attach(w *FileWatcher) {
	w.OnChange(func(ev FileEvent) {
		if ev.Op == FileOpRemove {
			return
		}
		if err := r.Reload(); err != nil {
			r.logger.Warn("config reload failed, keeping current log level", zap.Error(err))
		}
	})
}

// Reload 重新加载配置并应用日志级别
func (r *LogLevelReloader) Reload() error {
	cfg, err := r.loader.Load()
	if err != nil {
		return err
	}
	lvl, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Log.Level, err)
	}
	if old := r.level.Level(); old != lvl {
		r.level.SetLevel(lvl)
		r.logger.Info("log level updated", zap.String("from", old.String()), zap.String("to", lvl.String()))
	}
	return nil
}
