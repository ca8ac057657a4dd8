package config

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// ClientConfig is the subset of the configuration the web client needs.
type ClientConfig struct {
	AllowUnauthenticated bool   `json:"allow_unauthenticated"`
	UploadsEnabled       bool   `json:"uploads_enabled"`
	SchedulerEnabled     bool   `json:"scheduler_enabled"`
	PeriodicScanMinutes  int    `json:"periodic_scan_minutes"`
	BaseURL              string `json:"base_url"`
}

type handler struct {
	config *Config
}

func (h *handler) retrieve(c echo.Context) error {
	resp := ClientConfig{
		AllowUnauthenticated: h.config.AllowUnauthenticated,
		UploadsEnabled:       h.config.UploadsEnabled(),
		SchedulerEnabled:     h.config.SchedulerEnabled,
		PeriodicScanMinutes:  int(h.config.PeriodicScanInterval.Minutes()),
		BaseURL:              h.config.BaseURL,
	}
	return errors.WithStack(c.JSON(http.StatusOK, resp))
}
