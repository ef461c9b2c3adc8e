package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/store"
)

// usernameHeader identifies the tenant. Deployments terminate auth at the
// proxy and forward the resolved username here.
const usernameHeader = "X-Username"

const defaultUsername = "default"

func currentUsername(c echo.Context) string {
	if u := c.Request().Header.Get(usernameHeader); u != "" {
		return u
	}
	return defaultUsername
}

// pathID parses the numeric :id path parameter.
func pathID(c echo.Context) (int32, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return int32(id), nil
}

// queryLimit parses ?limit with a default.
func queryLimit(c echo.Context, fallback int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}

// toHTTPError maps domain errors onto HTTP status codes.
func toHTTPError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, session.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many messages, slow down")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
