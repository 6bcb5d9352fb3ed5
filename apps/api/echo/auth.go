package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
	"github.com/vaultgrade/backend/core/session"
	"github.com/vaultgrade/backend/core/user"
)

const contextClaimsKey = "claims"

var errMissingToken = core.ErrInvalidToken.WithMessage("missing or malformed token")

// authMiddleware requires a valid bearer session token issued to an account that is not disabled.
func authMiddleware(issuer *session.Issuer, svc user.ServiceInterface) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(token string, ctx echo.Context) (bool, error) {
			claims, err := issuer.Validate(token)
			if err != nil {
				return false, err
			}
			usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					return false, core.ErrInvalidToken
				}
				return false, errors.Wrap(err, "finding token user")
			}
			if usr.IsDisabled() {
				return false, core.ErrInvalidToken.WithMessage("account disabled")
			}
			ctx.Set(contextClaimsKey, claims)
			return true, nil
		},
		ErrorHandler: func(err error, ctx echo.Context) error {
			if _, ok := core.AsError(err); ok {
				return err
			}
			var kaErr *middleware.ErrKeyAuthMissing
			if errors.As(err, &kaErr) {
				return errMissingToken
			}
			return err
		},
	})
}

func getContextClaims(ctx echo.Context) (*session.Claims, bool) {
	claims, ok := ctx.Get(contextClaimsKey).(*session.Claims)
	return claims, ok
}

// principal returns the authenticated caller; routes behind authMiddleware always have one.
func principal(ctx echo.Context) access.Principal {
	if claims, ok := getContextClaims(ctx); ok {
		return claims.Principal()
	}
	return access.Principal{}
}
