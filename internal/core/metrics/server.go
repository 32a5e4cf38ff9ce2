package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/dep2p/go-natlink/internal/util/logger"
)

var log = logger.Logger("metrics")

// ShutdownTimeout 关闭 HTTP 服务的最长等待时间
const ShutdownTimeout = 5 * time.Second

// Server 指标 HTTP 服务
//
// 端点：
//   - GET /metrics       Prometheus 文本格式
//   - GET /health        存活检查
//   - GET /debug/pprof/* Go pprof
type Server struct {
	collector *Collector
	addr      string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
}

// NewServer 创建指标服务
func NewServer(collector *Collector, addr string) *Server {
	return &Server{collector: collector, addr: addr}
}

// Start 启动服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("指标服务异常退出", "err", err)
		}
	}()

	s.running = true
	log.Info("指标服务已启动", "addr", listener.Addr().String())
	return nil
}

// Stop 停止服务
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error("关闭指标服务失败", "err", err)
		return err
	}
	log.Info("指标服务已停止")
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
