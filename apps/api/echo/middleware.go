package echoapi

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vaultgrade/backend/core"
)

// sourceAddrMiddleware stores the client address on the request context for audit records.
func sourceAddrMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		req := ctx.Request()
		ctx.SetRequest(req.WithContext(core.WithSourceAddr(req.Context(), ctx.RealIP())))
		return next(ctx)
	}
}

// bodyLimitMiddleware caps upload bodies, chunked ones included, at the configured
// maximum plus the multipart framing. A non-positive maximum disables the cap.
func bodyLimitMiddleware(conf *core.Config) echo.MiddlewareFunc {
	const overhead = 64 << 10
	maxSize := conf.Workflow.MaxUploadSize
	return middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
		Skipper: func(echo.Context) bool { return maxSize <= 0 },
		Limit:   fmt.Sprintf("%dB", maxSize+overhead),
	})
}
