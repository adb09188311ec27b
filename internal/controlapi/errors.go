package controlapi

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowgate/flowgate/internal/flowerr"
)

// mapServiceError maps a Service-layer error to an HTTP error response
// (spec §7: "the Control API surfaces domain errors with a stable
// machine-readable kind and a human-readable message").
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, flowerr.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	var deployErr *flowerr.DeploymentError
	if errors.As(err, &deployErr) {
		return echo.NewHTTPError(http.StatusConflict, deployErr.Error())
	}

	if errors.Is(err, flowerr.ErrDeploymentPrecondition) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	if errors.Is(err, flowerr.ErrTicketExpired) {
		return echo.NewHTTPError(http.StatusGone, err.Error())
	}

	var regErr *flowerr.RegistryError
	if errors.As(err, &regErr) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, regErr.Error())
	}

	slog.Error("controlapi: unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
