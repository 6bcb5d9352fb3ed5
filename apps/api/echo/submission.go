package echoapi

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core/evaluation"
	"github.com/vaultgrade/backend/core/submission"
)

var errUploadTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size")

type submissionApi struct {
	svc     *submission.Service
	evalSvc *evaluation.Service
	maxSize int64
}

func registerSubmissionAPI(g *echo.Group, deps ServerDeps) {
	api := submissionApi{
		svc:     deps.SubmissionSvc,
		evalSvc: deps.EvaluationSvc,
		maxSize: deps.Conf.Workflow.MaxUploadSize,
	}

	g.POST("", api.upload, bodyLimitMiddleware(deps.Conf))
	g.GET("", api.query)

	// detail endpoints
	dg := g.Group("/:id")
	dg.GET("", api.retrieve)
	dg.GET("/file", api.download)
	dg.GET("/result", api.result)
	dg.POST("/assign", api.assign)
	dg.POST("/open", api.open)
	dg.POST("/reject", api.reject)
}

// Handlers

func (api *submissionApi) upload(ctx echo.Context) error {
	// the file is parsed first so an oversized body fails here, not inside FormValue
	fh, err := ctx.FormFile("file")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		if isTooLarge(err) {
			return errUploadTooLarge
		}
		return echo.NewHTTPError(http.StatusBadRequest, "malformed multipart form").SetInternal(err)
	}

	data := submission.NewSubmission{Title: ctx.FormValue("title")}
	if fh != nil {
		if api.maxSize > 0 && fh.Size > api.maxSize {
			return errUploadTooLarge
		}
		data.Filename = fh.Filename
		data.ContentType = fh.Header.Get(echo.HeaderContentType)
		if data.Content, err = readFormFile(fh, api.maxSize); err != nil {
			return err
		}
	}

	s, err := api.svc.Upload(ctx.Request().Context(), principal(ctx), data)
	if err != nil {
		return errors.Wrap(err, "uploading submission")
	}
	return ctx.JSON(http.StatusCreated, s)
}

func isTooLarge(err error) bool {
	var httpErr *echo.HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge
}

// readFormFile reads at most maxSize bytes of fh; a non-positive maxSize reads it all.
func readFormFile(fh *multipart.FileHeader, maxSize int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening form file")
	}
	defer f.Close()

	if maxSize <= 0 {
		content, err := io.ReadAll(f)
		return content, errors.Wrap(err, "reading form file")
	}
	content, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading form file")
	}
	if int64(len(content)) > maxSize {
		return nil, errUploadTooLarge
	}
	return content, nil
}

func (api *submissionApi) query(ctx echo.Context) error {
	filter := new(submission.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []submission.Submission{})
	}
	orderings, err := bindOrdering(ctx, submission.OrderingFields)
	if err != nil {
		return err
	}

	subs, err := api.svc.Query(ctx.Request().Context(), principal(ctx), *filter, orderings...)
	if err != nil {
		return errors.Wrap(err, "querying submissions")
	}
	if subs == nil {
		subs = []submission.Submission{}
	}
	return ctx.JSON(http.StatusOK, subs)
}

func (api *submissionApi) retrieve(ctx echo.Context) error {
	s, err := api.svc.Get(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting submission")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *submissionApi) download(ctx echo.Context) error {
	s, content, err := api.svc.Download(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "downloading submission")
	}

	header := ctx.Response().Header()
	header.Set(echo.HeaderContentDisposition, "attachment; filename="+strconv.Quote(s.Filename))
	header.Set("X-Content-Sha256", s.Hash)
	return ctx.Blob(http.StatusOK, s.ContentType, content)
}

func (api *submissionApi) result(ctx echo.Context) error {
	res, err := api.evalSvc.Result(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting result")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *submissionApi) assign(ctx echo.Context) error {
	var data submission.Assignment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Assignment")
	}

	s, err := api.svc.Assign(ctx.Request().Context(), principal(ctx), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "assigning reviewer")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *submissionApi) open(ctx echo.Context) error {
	s, err := api.svc.Open(ctx.Request().Context(), principal(ctx), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "opening submission")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *submissionApi) reject(ctx echo.Context) error {
	var data submission.Rejection
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Rejection")
	}

	s, err := api.svc.Reject(ctx.Request().Context(), principal(ctx), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "rejecting submission")
	}
	return ctx.JSON(http.StatusOK, s)
}
