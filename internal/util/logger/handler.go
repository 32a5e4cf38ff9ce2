package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	// globalOutput 全局日志输出目标，默认为 stderr
	globalOutput   io.Writer = os.Stderr
	globalOutputMu sync.RWMutex
)

// dynamicWriter 是一个动态查找 globalOutput 的 io.Writer
// 这样即使在 logger 创建后修改 globalOutput，也能生效
type dynamicWriter struct{}

func (w *dynamicWriter) Write(p []byte) (n int, err error) {
	globalOutputMu.RLock()
	output := globalOutput
	globalOutputMu.RUnlock()
	return output.Write(p)
}

// subsystemHandler 是一个支持子系统级别控制的 slog.Handler
//
// 同时持有文本与 JSON 两个内部 Handler，按当前配置的格式选择，
// 使包级变量中提前创建的 Logger 也能跟随 Configure 切换格式。
type subsystemHandler struct {
	subsystem string
	state     *handlerState
	text      slog.Handler
	json      slog.Handler
}

// handlerState 在 WithAttrs/WithGroup 派生的 Handler 之间共享
type handlerState struct {
	mu    sync.RWMutex
	level slog.Level
}

// newHandler 创建新的子系统 Handler
func newHandler(subsystem string, level slog.Level) *subsystemHandler {
	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: ConfigFromEnv().AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelToString(lvl))
				}
			}
			return a
		},
	}

	output := &dynamicWriter{}
	attrs := []slog.Attr{slog.String("subsystem", subsystem)}

	return &subsystemHandler{
		subsystem: subsystem,
		state:     &handlerState{level: level},
		text:      slog.NewTextHandler(output, opts).WithAttrs(attrs),
		json:      slog.NewJSONHandler(output, opts).WithAttrs(attrs),
	}
}

// Enabled 检查是否启用指定级别
func (h *subsystemHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return level >= h.state.level
}

// Handle 处理日志记录
func (h *subsystemHandler) Handle(ctx context.Context, r slog.Record) error {
	if ConfigFromEnv().Format == FormatJSON {
		return h.json.Handle(ctx, r)
	}
	return h.text.Handle(ctx, r)
}

// WithAttrs 添加属性
func (h *subsystemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &subsystemHandler{
		subsystem: h.subsystem,
		state:     h.state,
		text:      h.text.WithAttrs(attrs),
		json:      h.json.WithAttrs(attrs),
	}
}

// WithGroup 添加组
func (h *subsystemHandler) WithGroup(name string) slog.Handler {
	return &subsystemHandler{
		subsystem: h.subsystem,
		state:     h.state,
		text:      h.text.WithGroup(name),
		json:      h.json.WithGroup(name),
	}
}

// SetLevel 动态设置日志级别
func (h *subsystemHandler) SetLevel(level slog.Level) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.level = level
}

// levelToString 将日志级别转换为小写字符串
func levelToString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

// discardHandler 丢弃所有日志的 Handler（用于测试）
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// DiscardHandler 返回一个丢弃所有日志的 Handler
func DiscardHandler() slog.Handler {
	return discardHandler{}
}
