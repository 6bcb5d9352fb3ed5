package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core/evaluation"
)

type evaluationApi struct {
	svc *evaluation.Service
}

func registerEvaluationAPI(g *echo.Group, deps ServerDeps) {
	api := evaluationApi{svc: deps.EvaluationSvc}

	g.POST("", api.submit)
	g.GET("", api.query)
	g.GET("/:id", api.retrieve)
	g.POST("/:id/verify", api.verify)
	g.POST("/:id/reject", api.reject)
}

// Handlers

func (api *evaluationApi) submit(ctx echo.Context) error {
	var data evaluation.NewEvaluation
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewEvaluation")
	}

	ev, err := api.svc.Submit(ctx.Request().Context(), principal(ctx), data)
	if err != nil {
		return errors.Wrap(err, "submitting evaluation")
	}
	return ctx.JSON(http.StatusCreated, ev)
}

func (api *evaluationApi) query(ctx echo.Context) error {
	filter := new(evaluation.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []evaluation.Evaluation{})
	}

	evs, err := api.svc.Query(ctx.Request().Context(), principal(ctx), *filter)
	if err != nil {
		return errors.Wrap(err, "querying evaluations")
	}
	if evs == nil {
		evs = []evaluation.Evaluation{}
	}
	return ctx.JSON(http.StatusOK, evs)
}

func (api *evaluationApi) retrieve(ctx echo.Context) error {
	ev, err := api.svc.Get(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting evaluation")
	}
	return ctx.JSON(http.StatusOK, ev)
}

func (api *evaluationApi) verify(ctx echo.Context) error {
	ev, err := api.svc.VerifyAndPublish(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "verifying evaluation")
	}
	return ctx.JSON(http.StatusOK, ev)
}

func (api *evaluationApi) reject(ctx echo.Context) error {
	var data evaluation.Rejection
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Rejection")
	}

	ev, err := api.svc.Reject(ctx.Request().Context(), principal(ctx), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "rejecting evaluation")
	}
	return ctx.JSON(http.StatusOK, ev)
}
