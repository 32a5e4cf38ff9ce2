// Package logger 提供 natlink 的统一日志系统
//
// 基于标准库 log/slog，支持：
//   - 按子系统配置日志级别（子系统名以 "." 分级）
//   - 环境变量配置（NATLINK_LOG_LEVEL, NATLINK_LOG_FORMAT）
//   - 结构化日志
//
// 使用示例:
//
//	package session
//
//	import "github.com/dep2p/go-natlink/internal/util/logger"
//
//	var log = logger.Logger("session")
//
//	func foo() {
//	    log.Info("relay bound", "relay", relayID, "observed", addr)
//	}
//
// 环境变量配置:
//
//	# 所有模块为 info，session 模块为 debug
//	NATLINK_LOG_LEVEL=session=debug,info
//
//	# 使用 JSON 格式输出
//	NATLINK_LOG_FORMAT=json
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// handlers 缓存各子系统的 Handler（用于动态调整级别）
	handlers sync.Map // map[string]*subsystemHandler
)

// Logger 获取指定子系统的 Logger
//
// 同一子系统多次调用会返回相同的 Logger 实例。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	handler := newHandler(subsystem, ConfigFromEnv().LevelForSubsystem(subsystem))
	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(handler))
	if !loaded {
		handlers.Store(subsystem, handler)
	}
	return actual.(*slog.Logger)
}

// SetLevel 动态设置子系统的日志级别
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).SetLevel(level)
	}
}

// SetGlobalLevel 设置所有子系统的日志级别
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, value any) bool {
		value.(*subsystemHandler).SetLevel(level)
		return true
	})
}

// Discard 返回一个丢弃所有日志的 Logger
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}

// SetOutput 设置全局日志输出目标
//
// 已创建的 Logger 同样会输出到新的目标。
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}
