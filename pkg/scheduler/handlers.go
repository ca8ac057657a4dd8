package scheduler

import (
	"net/http"

	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

type ScanResponse struct {
	Message string `json:"message"`
	JobID   *int   `json:"job_id"`
}

type handler struct {
	scheduler *Scheduler
}

// scanLibrary acknowledges right away. How the scan went is visible through
// the jobs endpoints, not here.
func (h *handler) scanLibrary(c echo.Context) error {
	ctx := c.Request().Context()

	resp := ScanResponse{Message: "Library scan initiated."}
	result, err := h.scheduler.Trigger(ctx, library.SourceManual)
	if err != nil {
		logger.FromContext(ctx).Err(err).Error("failed to trigger scan")
	} else {
		resp.JobID = result.JobID
	}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}
