package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/skill-graph/internal/core/curriculum"
	"github.com/jinford/skill-graph/internal/core/generation"
)

// maxBodyBytes はリクエストボディの上限
const maxBodyBytes = 1 << 20

// JobService は HTTP API が利用するジョブ操作
type JobService interface {
	Submit(ctx context.Context, jobTitle string, opts ...generation.SubmitOption) (*generation.GenerationJob, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (*generation.GenerationJob, error)
	CuratorEdit(ctx context.Context, jobID uuid.UUID, params generation.EditParams) (*curriculum.MapData, error)
	Publish(ctx context.Context, jobID uuid.UUID, params generation.PublishParams) (*generation.PublishResult, error)
}

// RequestObserver は HTTP リクエストの計測先
type RequestObserver interface {
	ObserveHTTP(method, route string, code int)
}

// Server はジョブ API の HTTP ハンドラーを束ねる
type Server struct {
	jobs     JobService
	metrics  http.Handler
	observer RequestObserver
	logger   *slog.Logger
}

type serverOptions struct {
	metrics  http.Handler
	observer RequestObserver
	logger   *slog.Logger
}

// ServerOption は Server のオプション設定
type ServerOption func(*serverOptions)

// WithMetricsHandler は /metrics に公開するハンドラーを設定する
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(o *serverOptions) {
		o.metrics = h
	}
}

// WithRequestObserver はリクエストの計測先を設定する
func WithRequestObserver(obs RequestObserver) ServerOption {
	return func(o *serverOptions) {
		o.observer = obs
	}
}

// WithServerLogger はロガーを設定する
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// NewServer は新しい Server を作成する
func NewServer(jobs JobService, opts ...ServerOption) *Server {
	options := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Server{
		jobs:     jobs,
		metrics:  options.metrics,
		observer: options.observer,
		logger:   options.logger,
	}
}

// Router は HTTP ルーターを構築する
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Mount("/metrics", s.metrics)
	}

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGetJob)
		r.Put("/{id}/draft", s.handleEditDraft)
		r.Post("/{id}/publish", s.handlePublish)
	})
	return r
}

type submitRequest struct {
	JobTitle string `json:"jobTitle"`
	Backend  string `json:"backend"`
}

type submitResponse struct {
	JobID     uuid.UUID         `json:"jobId"`
	Status    generation.Status `json:"status"`
	StatusURL string            `json:"statusUrl"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	var opts []generation.SubmitOption
	if req.Backend != "" {
		opts = append(opts, generation.WithBackend(req.Backend))
	}
	job, err := s.jobs.Submit(r.Context(), req.JobTitle, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: "/api/jobs/" + job.ID.String(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.jobs.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type editRequest struct {
	Courses      []curriculum.Course      `json:"courses"`
	Dependencies *[]curriculum.Dependency `json:"dependencies"`
}

func (s *Server) handleEditDraft(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req editRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Courses == nil {
		s.writeError(w, r, fmt.Errorf("%w: courses is required", generation.ErrValidation))
		return
	}

	params := generation.EditParams{Courses: req.Courses}
	if req.Dependencies != nil {
		params.Dependencies = mo.Some(*req.Dependencies)
	}

	draft, err := s.jobs.CuratorEdit(r.Context(), id, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

type publishRequest struct {
	GroupID *uuid.UUID `json:"groupId"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req publishRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	params := generation.PublishParams{}
	if req.GroupID != nil {
		params.GroupID = mo.Some(*req.GroupID)
	}

	result, err := s.jobs.Publish(r.Context(), id, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// observe はルートパターン単位でステータスコードを記録する
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.observer != nil {
			s.observer.ObserveHTTP(r.Method, route, ww.Status())
		}
		s.logger.Debug("HTTP リクエストを処理しました",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError はドメインエラーを HTTP ステータスに対応付けて書き出す
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("リクエストの処理に失敗しました",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, generation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generation.ErrStateConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func jobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid job id: %w", generation.ErrValidation, err)
	}
	return id, nil
}

// decodeJSON はボディを厳密にデコードする。allowEmpty の場合は空ボディを許す
func decodeJSON(w http.ResponseWriter, r *http.Request, out any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %w", generation.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// ListenAndServe は ctx が終わるまで HTTP サーバーを動かし、終了時にグレースフルに停止する
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP サーバーを起動しました", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	logger.Info("HTTP サーバーを停止します")
	return srv.Shutdown(shutdownCtx)
}
