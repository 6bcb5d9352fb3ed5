package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core/audit"
)

func registerAuditAPI(g *echo.Group, deps ServerDeps) {
	svc := deps.AuditSvc

	g.GET("", func(ctx echo.Context) error {
		filter := new(audit.QueryFilter)
		if err := ctx.Bind(filter); err != nil {
			return errors.Wrap(err, "binding to QueryFilter")
		}

		events, err := svc.Query(ctx.Request().Context(), principal(ctx), *filter)
		if err != nil {
			return errors.Wrap(err, "querying audit log")
		}
		if events == nil {
			events = []audit.Event{}
		}
		return ctx.JSON(http.StatusOK, events)
	})
}
