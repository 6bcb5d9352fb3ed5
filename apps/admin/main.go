// Command admin manages accounts and database migrations from the shell.
package main

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/session"
	"github.com/vaultgrade/backend/core/user"
	emailsvc "github.com/vaultgrade/backend/services/email"
	logsvc "github.com/vaultgrade/backend/services/logger"
	"github.com/vaultgrade/backend/storage/database"
	sqlxrepos "github.com/vaultgrade/backend/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal("opening database", err)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	usrRepo := sqlxrepos.NewUserRepository(db)
	auditSvc := audit.NewService(sqlxrepos.NewAuditRepository(db), logger)
	usrSvc := user.NewService(conf, usrRepo, auditSvc, session.NewIssuer(conf), emailsvc.New(conf, logger), validate, translator)

	// start CLI
	cli := commandLine{
		db:      db,
		usrRepo: usrRepo,
		usrSvc:  usrSvc,
		out:     os.Stdout,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error("command failed", err)
		}
		os.Exit(1)
	}
}
