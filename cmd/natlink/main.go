// Package main 提供 natlink 命令行入口
//
// 使用方法:
//
//	natlink hub --port 4001
//	natlink client --relay-host 203.0.113.7 --relay <hub-peer-id>
//	natlink id
//
// client 从标准输入读取命令（relay、dial、connect、status、quit）。
// 事件泵遇到未分类事件时以状态码 1 退出。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
