package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/config"
	"github.com/life2you_mini/sessionbot/internal/session"
	"github.com/life2you_mini/sessionbot/internal/trading"
)

// Controller 控制接口依赖的会话控制器
type Controller interface {
	Start(ctx context.Context) (trading.RunState, error)
	Stop(ctx context.Context) (trading.RunState, error)
	Status() session.Status
}

// RecordLister 查询会话目标记录
type RecordLister interface {
	ListSessionTargets(ctx context.Context, userID, date string) ([]*trading.SessionTargetRecord, error)
}

// Server 会话控制 HTTP 接口
type Server struct {
	controller Controller
	records    RecordLister
	userID     string
	now        func() time.Time
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer 创建控制接口，records 为空时不提供记录查询
func NewServer(listen string, controller Controller, records RecordLister, userID string, logger *zap.Logger) *Server {
	s := &Server{
		controller: controller,
		records:    records,
		userID:     userID,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "api")),
	}
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router 路由表
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		if s.records != nil {
			r.Get("/records", s.handleRecords)
		}
	})
	return r
}

// Start 后台监听
func (s *Server) Start() {
	go func() {
		s.logger.Info("控制接口已启动", zap.String("listen", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("控制接口异常退出", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("关闭控制接口失败: %w", err)
	}
	return nil
}

type stateResponse struct {
	RunState trading.RunState `json:"run_state"`
	Error    string           `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"run_state": s.controller.Status().RunState,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller.Start(r.Context())
	if err != nil {
		s.logger.Warn("启动会话失败", zap.Error(err))
		writeJSON(w, statusForError(err), stateResponse{RunState: state, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{RunState: state})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller.Stop(r.Context())
	if err != nil {
		writeJSON(w, statusForError(err), stateResponse{RunState: state, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{RunState: state})
}

type recordResponse struct {
	SessionType       string     `json:"session_type"`
	Date              string     `json:"date"`
	TakeProfitReached bool       `json:"take_profit_reached"`
	StopLossReached   bool       `json:"stop_loss_reached"`
	TargetReachedAt   *time.Time `json:"target_reached_at"`
	SessionStart      time.Time  `json:"session_start"`
	SessionEnd        *time.Time `json:"session_end"`
	Profit            string     `json:"profit"`
	TradesCount       int        `json:"trades_count"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.now().Format(trading.DateLayout)
	}
	if _, err := time.Parse(trading.DateLayout, date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date 格式应为 YYYY-MM-DD"})
		return
	}

	records, err := s.records.ListSessionTargets(r.Context(), s.userID, date)
	if err != nil {
		s.logger.Error("查询会话目标记录失败", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordResponse{
			SessionType:       rec.SessionType,
			Date:              rec.Date,
			TakeProfitReached: rec.TakeProfitReached,
			StopLossReached:   rec.StopLossReached,
			TargetReachedAt:   rec.TargetReachedAt,
			SessionStart:      rec.SessionStart,
			SessionEnd:        rec.SessionEnd,
			Profit:            rec.Profit.StringFixed(2),
			TradesCount:       rec.TradesCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, trading.ErrInvalidTradingConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(began)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
