// Package api master 的 HTTP 控制面: 查看聚合状态, 设置目标版本, 健康检查
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"keel/pkg/model"
)

const maxVersionBody = 1024

// Controller 调度器暴露给控制面的操作
type Controller interface {
	SetTargetVersion(ctx context.Context, version string) string
	Snapshot() model.Snapshot
}

type APIServer struct {
	ctrl    Controller
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewAPIServer writesPerMinute <= 0 表示版本写入不限流
func NewAPIServer(ctrl Controller, writesPerMinute int, log *zap.Logger) *APIServer {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if writesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(writesPerMinute)), writesPerMinute)
	}
	return &APIServer{ctrl: ctrl, limiter: limiter, log: log}
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleState)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("PUT /v1/version", s.handleVersion)
	mux.HandleFunc("POST /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/version", s.handleGetVersion)
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "OK")
	})
	return mux
}

// Serve 在 ln 上提供服务直到 ctx 结束
func (s *APIServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("control surface listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.ctrl.Snapshot()); err != nil {
		s.log.Warn("encode state failed", zap.Error(err))
	}
}

func (s *APIServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, s.ctrl.Snapshot().Scheduler.TargetVersion)
}

// handleVersion 请求体即目标版本, 空字符串表示关停所有服务
func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "too many version changes", http.StatusTooManyRequests)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxVersionBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	version := strings.TrimSpace(string(body))
	if strings.ContainsAny(version, " \t\r\n/:") {
		http.Error(w, "invalid version "+version, http.StatusBadRequest)
		return
	}

	s.log.Info("rolling out version", zap.String("version", version), zap.String("remote", r.RemoteAddr))
	current := s.ctrl.SetTargetVersion(r.Context(), version)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, current)
}
