package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"stagehand/internal/invoker"
	rtsup "stagehand/internal/runtime/supervisor"
	"stagehand/internal/storage"
	"stagehand/internal/task/engine"
	"stagehand/internal/task/scheduler"
	logx "stagehand/pkg/logx"
)

// Dispatcher is the invoker surface used by the API. *invoker.Invoker implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string) (string, error)
	Triggers() []invoker.Trigger
}

// Schedules reports fire times. *scheduler.Service implements it.
type Schedules interface {
	Schedule(name string) (scheduler.ScheduleInfo, bool)
}

// Engine reports execution state. *engine.Service implements it.
type Engine interface {
	Snapshot() engine.Snapshot
	StateFor(name string) *engine.RunState
}

// Deps are the services behind the API. Nil members disable the routes
// that need them.
type Deps struct {
	Invoker    Dispatcher
	Schedules  Schedules
	Engine     Engine
	Store      storage.Store
	Supervisor *rtsup.Supervisor
}

type config struct {
	addr         string
	token        string
	limit        rate.Limit
	burst        int
	readTimeout  time.Duration
	writeTimeout time.Duration
	log          logx.Logger
}

// Option configures the Server.
type Option func(*config)

func WithAddr(addr string) Option { return func(c *config) { c.addr = addr } }

// WithToken requires "Authorization: Bearer <token>" on every route but /healthz.
func WithToken(token string) Option { return func(c *config) { c.token = token } }

// WithDispatchRate limits manual dispatches; r <= 0 disables the limit.
func WithDispatchRate(r float64, burst int) Option {
	return func(c *config) {
		if r <= 0 {
			c.limit = rate.Inf
		} else {
			c.limit = rate.Limit(r)
		}
		c.burst = max(burst, 1)
	}
}

func WithTimeouts(read, write time.Duration) Option {
	return func(c *config) { c.readTimeout, c.writeTimeout = read, write }
}

func WithLogger(log logx.Logger) Option { return func(c *config) { c.log = log } }

// Server is the local control API.
type Server struct {
	*http.Server
	log logx.Logger
}

const DefaultAddr = "127.0.0.1:7077"

func NewServer(deps Deps, opts ...Option) *Server {
	cfg := &config{
		addr:         DefaultAddr,
		limit:        rate.Every(time.Second),
		burst:        3,
		readTimeout:  10 * time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.log.IsZero() {
		cfg.log = logx.Nop()
	}
	log := cfg.log.With(logx.String("comp", "control"))

	h := &handlers{deps: deps, log: log, limiter: rate.NewLimiter(cfg.limit, cfg.burst)}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(loggingMiddleware(log))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", h.health)
	router.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.token))
		r.Get("/status", h.status)
		r.Get("/triggers", h.listTriggers)
		r.Post("/triggers/{name}/dispatch", h.dispatch)
		r.Get("/runs", h.listRuns)
	})

	return &Server{
		Server: &http.Server{
			Addr:              cfg.addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.readTimeout,
			WriteTimeout:      cfg.writeTimeout,
		},
		log: log,
	}
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.log.Info("control api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("control api shutdown", logx.Err(err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
