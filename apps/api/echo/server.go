package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/evaluation"
	"github.com/vaultgrade/backend/core/session"
	"github.com/vaultgrade/backend/core/submission"
	"github.com/vaultgrade/backend/core/user"
)

type ServerDeps struct {
	Conf           *core.Config
	Logger         core.Logger
	Issuer         *session.Issuer
	UserSvc        user.ServiceInterface
	SubmissionSvc  *submission.Service
	EvaluationSvc  *evaluation.Service
	AuditSvc       *audit.Service
	Validate       *validator.Validate
	Translator     ut.Translator
	ShutdownSignal chan os.Signal // optional
}

type Server struct {
	deps     ServerDeps
	app      *echo.Echo
	shutdown chan os.Signal
	errors   chan error
}

func NewServer(deps ServerDeps) *Server {
	shutdown := deps.ShutdownSignal
	if shutdown == nil {
		shutdown = make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	}

	s := &Server{
		deps:     deps,
		app:      echo.New(),
		shutdown: shutdown,
		errors:   make(chan error, 1),
	}
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Debug = conf.Debug
	s.app.Server.ReadTimeout = conf.Server.ReadTimeout
	s.app.Server.WriteTimeout = conf.Server.WriteTimeout
	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.SignalShutdown)

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !conf.Server.DisableRequestLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}
	s.app.Use(sourceAddrMiddleware)

	s.app.GET("/", s.home)

	authed := authMiddleware(s.deps.Issuer, s.deps.UserSvc)
	registerUserAPI(s.app.Group(""), authed, s.deps)
	registerSubmissionAPI(s.app.Group("/submissions", authed), s.deps)
	registerEvaluationAPI(s.app.Group("/evaluations", authed), s.deps)
	registerAuditAPI(s.app.Group("/audit", authed), s.deps)
}

// Start blocks until the server stops; failures are sent on Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Address); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

// SignalShutdown asks the owner of the server to shut it down gracefully.
func (s *Server) SignalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.deps.Conf.AppName+" API!")
}
