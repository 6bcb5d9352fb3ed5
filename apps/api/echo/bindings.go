package echoapi

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
)

const orderingParam = "ordering"

var errBadOrdering = errors.New("invalid ordering")

// bindOrdering parses `?ordering=name,-created_at` into DB orderings. A leading "-"
// sorts descending. Fields outside allowed are a validation error.
func bindOrdering(ctx echo.Context, allowed []string) ([]core.DBOrdering, error) {
	val := ctx.QueryParam(orderingParam)
	if val == "" {
		return nil, nil
	}

	var orderings []core.DBOrdering
	for _, field := range strings.Split(val, ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		field = strings.TrimPrefix(field, "-")
		if !isAllowed(field, allowed) {
			return nil, core.NewValidationError(errBadOrdering, core.FieldError{
				Field: orderingParam,
				Error: fmt.Sprintf("cannot order by %q, use one of %s", field, strings.Join(allowed, ", ")),
			})
		}
		orderings = append(orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
	return orderings, nil
}

func isAllowed(field string, allowed []string) bool {
	for _, f := range allowed {
		if f == field {
			return true
		}
	}
	return false
}
