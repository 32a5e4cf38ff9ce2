// Package muxer 提供基于 yamux 的流多路复用
//
// 安全握手完成后，连接两端分别以客户端（Noise 发起者）和服务端
// （Noise 响应者）身份创建 yamux 会话，之后每个协议交互占用一条流。
package muxer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/dep2p/go-natlink/pkg/protocol"
)

// ID 多路复用协议标识
const ID = protocol.Yamux

// ErrMuxerClosed 多路复用器已关闭
var ErrMuxerClosed = errors.New("muxer closed")

// Config yamux 配置
type Config struct {
	AcceptBacklog          int
	KeepAliveInterval      time.Duration
	ConnectionWriteTimeout time.Duration
	MaxStreamWindowSize    uint32
	StreamOpenTimeout      time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		AcceptBacklog:          256,
		KeepAliveInterval:      30 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxStreamWindowSize:    256 * 1024, // 256 KB
		StreamOpenTimeout:      75 * time.Second,
	}
}

// yamuxConfig 转换为 yamux 原生配置
func (c Config) yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.AcceptBacklog = c.AcceptBacklog
	cfg.EnableKeepAlive = c.KeepAliveInterval > 0
	if cfg.EnableKeepAlive {
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	cfg.ConnectionWriteTimeout = c.ConnectionWriteTimeout
	cfg.MaxStreamWindowSize = c.MaxStreamWindowSize
	cfg.StreamOpenTimeout = c.StreamOpenTimeout
	cfg.LogOutput = io.Discard
	return cfg
}

// Muxer 封装 yamux.Session
type Muxer struct {
	session  *yamux.Session
	isServer bool
}

// New 在已加密的连接上创建多路复用器
func New(conn io.ReadWriteCloser, isServer bool, cfg Config) (*Muxer, error) {
	if conn == nil {
		return nil, errors.New("连接不能为 nil")
	}

	var (
		session *yamux.Session
		err     error
	)
	if isServer {
		session, err = yamux.Server(conn, cfg.yamuxConfig())
	} else {
		session, err = yamux.Client(conn, cfg.yamuxConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("创建 yamux session 失败: %w", err)
	}
	return &Muxer{session: session, isServer: isServer}, nil
}

// OpenStream 打开新流
//
// yamux 的 OpenStream 不支持 context，在单独的 goroutine 中等待。
func (m *Muxer) OpenStream(ctx context.Context) (net.Conn, error) {
	if m.IsClosed() {
		return nil, ErrMuxerClosed
	}

	type result struct {
		stream *yamux.Stream
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		s, err := m.session.OpenStream()
		resultCh <- result{stream: s, err: err}
	}()

	select {
	case <-ctx.Done():
		// 孤立的流在打开完成后关闭
		go func() {
			if r := <-resultCh; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("创建流失败: %w", r.err)
		}
		return r.stream, nil
	}
}

// AcceptStream 接受对端打开的流
func (m *Muxer) AcceptStream() (net.Conn, error) {
	s, err := m.session.AcceptStream()
	if err != nil {
		if m.IsClosed() {
			return nil, ErrMuxerClosed
		}
		return nil, fmt.Errorf("接受流失败: %w", err)
	}
	return s, nil
}

// Close 关闭会话及其所有流
func (m *Muxer) Close() error {
	return m.session.Close()
}

// IsClosed 是否已关闭
func (m *Muxer) IsClosed() bool {
	return m.session.IsClosed()
}

// CloseChan 会话关闭时关闭的通道
func (m *Muxer) CloseChan() <-chan struct{} {
	return m.session.CloseChan()
}

// NumStreams 当前流数量
func (m *Muxer) NumStreams() int {
	return m.session.NumStreams()
}

// IsServer 是否为服务端
func (m *Muxer) IsServer() bool {
	return m.isServer
}

// Ping 测量会话往返时间
func (m *Muxer) Ping() (time.Duration, error) {
	if m.IsClosed() {
		return 0, ErrMuxerClosed
	}
	return m.session.Ping()
}
