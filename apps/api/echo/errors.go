package echoapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Kind   core.Kind         `json:"kind"`
	Code   core.Code         `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

var kindStatus = map[core.Kind]int{
	core.KindValidation:   http.StatusBadRequest,
	core.KindAuth:         http.StatusUnauthorized,
	core.KindAccessDenied: http.StatusForbidden,
	core.KindNotFound:     http.StatusNotFound,
	core.KindConflict:     http.StatusConflict,
	core.KindIntegrity:    http.StatusConflict,
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		code, resp := errorToResponse(err)

		if code == http.StatusInternalServerError {
			args := []interface{}{err}
			if claims, ok := getContextClaims(ctx); ok {
				args = append(args, map[string]interface{}{"user_id": claims.Subject, "username": claims.Username})
			}
			logger.Error(resp.Error, args...)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
			if ctx.Echo().Debug {
				resp.Error = err.Error()
			}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, resp)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

func errorToResponse(err error) (int, errorResponse) {
	var vErr *core.ValidationError
	if errors.As(err, &vErr) {
		resp := errorResponse{Kind: core.KindValidation, Code: vErr.Code, Error: vErr.Error()}
		if resp.Code == "" {
			resp.Code = "InvalidInput"
		}
		if len(vErr.Fields) > 0 {
			resp.Fields = make(map[string]string, len(vErr.Fields))
			for _, fErr := range vErr.Fields {
				resp.Fields[fErr.Field] = fErr.Error
			}
		}
		if resp.Error == "" {
			resp.Error = "invalid input"
		}
		return http.StatusBadRequest, resp
	}

	if dErr, ok := core.AsError(err); ok {
		code, ok := kindStatus[dErr.Kind]
		if !ok {
			code = http.StatusInternalServerError
		}
		// causes stay server-side
		return code, errorResponse{Kind: dErr.Kind, Code: dErr.Code, Error: dErr.Message}
	}

	var hErr *echo.HTTPError
	if errors.As(err, &hErr) {
		msg, ok := hErr.Message.(string)
		if !ok {
			msg = http.StatusText(hErr.Code)
		}
		kind := core.KindValidation
		switch {
		case hErr.Code == http.StatusNotFound:
			kind = core.KindNotFound
		case hErr.Code == http.StatusMethodNotAllowed:
			kind = core.KindNotFound
		case hErr.Code >= http.StatusInternalServerError:
			kind = "ServerError"
		}
		return hErr.Code, errorResponse{Kind: kind, Code: core.Code(strings.ReplaceAll(http.StatusText(hErr.Code), " ", "")), Error: msg}
	}

	msg := http.StatusText(http.StatusInternalServerError)
	return http.StatusInternalServerError, errorResponse{Kind: "ServerError", Code: "InternalError", Error: msg}
}
