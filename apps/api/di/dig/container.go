package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/dig"

	echoapi "github.com/vaultgrade/backend/apps/api/echo"
	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/evaluation"
	"github.com/vaultgrade/backend/core/session"
	"github.com/vaultgrade/backend/core/submission"
	"github.com/vaultgrade/backend/core/user"
	emailsvc "github.com/vaultgrade/backend/services/email"
	logsvc "github.com/vaultgrade/backend/services/logger"
	"github.com/vaultgrade/backend/storage/blob"
	"github.com/vaultgrade/backend/storage/database"
	sqlxrepos "github.com/vaultgrade/backend/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type serverParams struct {
	dig.In
	Conf          *core.Config
	Logger        core.Logger
	Issuer        *session.Issuer
	UserSvc       user.ServiceInterface
	SubmissionSvc *submission.Service
	EvaluationSvc *evaluation.Service
	AuditSvc      *audit.Service
	Validate      *validator.Validate
	Translator    ut.Translator
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	setUp := func() (*sqlx.DB, error) {
		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}
		if err = database.Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

func newBlobStore(conf *core.Config, loggerParam DBLoggerParam) (*blob.Store, submission.BlobStore) {
	store, err := blob.Open(conf.BlobPath)
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("opening blob store: %v", err), err)
	}
	return store, store
}

func newValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate, translator
}

func newAuditService(repo audit.Repository, logger core.Logger) *audit.Service {
	return audit.NewService(repo, logger)
}

func newSubmissionService(
	conf *core.Config,
	db *sqlx.DB,
	blobs submission.BlobStore,
	usrSvc user.ServiceInterface,
	auditSvc *audit.Service,
	validate *validator.Validate,
	translator ut.Translator,
) *submission.Service {
	return submission.NewService(conf, sqlxrepos.NewSubmissionRepository(db), blobs, usrSvc, auditSvc, validate, translator)
}

func newEvaluationService(
	conf *core.Config,
	db *sqlx.DB,
	subSvc *submission.Service,
	usrSvc user.ServiceInterface,
	auditSvc *audit.Service,
	mailSvc core.EmailService,
	validate *validator.Validate,
	translator ut.Translator,
) *evaluation.Service {
	return evaluation.NewService(conf, sqlxrepos.NewEvaluationRepository(db), subSvc, usrSvc, auditSvc, mailSvc, validate, translator)
}

// newTracerProvider installs the global tracer provider. Spans are exported over OTLP/HTTP only when an endpoint is configured.
func newTracerProvider(conf *core.Config, logger core.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", conf.AppName),
			attribute.String("service.version", conf.Build),
			attribute.String("deployment.environment", conf.Env),
		)),
	}
	if conf.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(conf.OTLPEndpoint))
		if err != nil {
			return nil, errors.Wrap(err, "creating OTLP exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info(fmt.Sprintf("exporting traces to %s", conf.OTLPEndpoint))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(echoapi.ServerDeps{
		Conf:          p.Conf,
		Logger:        p.Logger,
		Issuer:        p.Issuer,
		UserSvc:       p.UserSvc,
		SubmissionSvc: p.SubmissionSvc,
		EvaluationSvc: p.EvaluationSvc,
		AuditSvc:      p.AuditSvc,
		Validate:      p.Validate,
		Translator:    p.Translator,
	})
}

// New returns a new dependency injection dig.Container
func New(newConfig func() *core.Config) *dig.Container {
	c := dig.New()

	must(c.Provide(newConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newTracerProvider))
	must(c.Provide(newDB))
	must(c.Provide(newBlobStore))
	must(c.Provide(emailsvc.New))
	must(c.Provide(newValidator))
	must(c.Provide(sqlxrepos.NewAuditRepository))
	must(c.Provide(sqlxrepos.NewUserRepository))
	must(c.Provide(newAuditService))
	must(c.Provide(session.NewIssuer))
	must(c.Provide(user.NewService))
	must(c.Provide(newSubmissionService))
	must(c.Provide(newEvaluationService))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
