package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	goamiddleware "goa.design/goa/v3/middleware"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/database"
	"shiftwatch/internal/engine"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/middleware"
	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/task"
)

// Runner processes one video. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, videoPath, outDir, runID string, ov engine.Overrides, progress func(frames int)) (*pipeline.Report, error)
}

// Tasks schedules and looks up processing tasks
type Tasks interface {
	Submit(videoPath string, job task.Job) (task.Task, error)
	Get(id string) (task.Task, error)
	Len() int
}

// EventStore reads the event ledger
type EventStore interface {
	GetEvent(id int64) (*database.EventRecord, error)
	ListEvents(taskID string, limit int) ([]*database.EventRecord, error)
}

// Config holds the directories the API serves from
type Config struct {
	UploadDir string
	OutputDir string
}

// Server is the admin HTTP API
type Server struct {
	cfg    Config
	runner Runner
	tasks  Tasks
	events EventStore
	authn  *auth.Authenticator
	ws     http.Handler
	vars   func(*http.Request) map[string]string
	logger *zap.Logger
}

// New creates the API server. authn and ws may be nil.
func New(cfg Config, runner Runner, tasks Tasks, events EventStore, authn *auth.Authenticator, ws http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		runner: runner,
		tasks:  tasks,
		events: events,
		authn:  authn,
		ws:     ws,
		logger: logger.Named("api"),
	}
}

// Mount registers the API routes on mux
func (s *Server) Mount(mux goahttp.Muxer) {
	s.vars = mux.Vars

	mux.Handle(http.MethodGet, "/health", s.health)
	mux.Handle(http.MethodGet, "/metrics", metrics.Handler().ServeHTTP)
	mux.Handle(http.MethodPost, "/auth/login", s.login)

	mux.Handle(http.MethodPost, "/videos/upload", s.uploadVideo)
	mux.Handle(http.MethodPost, "/process/start", s.startProcess)
	mux.Handle(http.MethodGet, "/process/{task_id}", s.getTask)
	mux.Handle(http.MethodGet, "/process/{task_id}/clips", s.listClips)

	mux.Handle(http.MethodGet, "/events", s.listEvents)
	mux.Handle(http.MethodGet, "/events/{id}", s.getEvent)
	mux.Handle(http.MethodGet, "/events/{id}/clip", s.eventClip)

	if s.ws != nil {
		mux.Handle(http.MethodGet, "/ws/tasks/{task_id}", s.ws.ServeHTTP)
	}

	static := http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.OutputDir)))
	mux.Handle(http.MethodGet, "/static/{*filepath}", static.ServeHTTP)
}

// Handler returns the routed API wrapped by Wrap
func (s *Server) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	s.Mount(mux)
	return s.Wrap(mux)
}

// Wrap adds authentication, request logging and request ids around handler
func (s *Server) Wrap(handler http.Handler) http.Handler {
	if s.authn != nil {
		handler = middleware.AuthMiddleware(s.authn, "/health", "/auth/login", "/metrics")(handler)
	}
	handler = middleware.RequestLogger(s.logger)(handler)
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	id, _ := ctx.Value(goamiddleware.RequestIDKey).(string)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("request_id", id), zap.String("error", msg))
	}
	s.respond(ctx, w, status, errorBody{Error: msg, RequestID: id})
}
