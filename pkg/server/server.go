package server

import (
	"net/http"
	"time"

	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/binder"
	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/books"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/jobs"
	"github.com/bookhaven/bookhaven/pkg/media"
	"github.com/bookhaven/bookhaven/pkg/scheduler"
	"github.com/bookhaven/bookhaven/pkg/testutils"
	"github.com/bookhaven/bookhaven/pkg/users"
	"github.com/go-chi/httprate"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
	"github.com/uptrace/bun"
)

func New(cfg *config.Config, db *bun.DB, sched *scheduler.Scheduler, cache bookcache.Cache) (*http.Server, error) {
	e, err := newEcho(cfg, db, sched, cache)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return srv, nil
}

func newEcho(cfg *config.Config, db *bun.DB, sched *scheduler.Scheduler, cache bookcache.Cache) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true

	b, err := binder.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.Binder = b

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())
	e.Use(middleware.CORS())

	health.RegisterRoutes(e)

	authService := auth.NewService(db, cfg.JWTSecret)
	authMiddleware := auth.NewMiddleware(authService, cfg.AllowUnauthenticated)

	api := e.Group("/api")
	api.Use(authMiddleware.Authenticate)
	api.Use(sched.StalenessMiddleware)

	auth.RegisterRoutesWithGroup(api, authService, authMiddleware, loginLimiter(cfg)...)
	books.RegisterRoutesWithGroup(api, db, cfg, cache, authMiddleware)
	users.RegisterRoutesWithGroup(api, db, authMiddleware, passwordLimiter(cfg)...)
	scheduler.RegisterRoutesWithGroup(api, sched, authMiddleware)

	jobsGroup := api.Group("/jobs")
	jobs.RegisterRoutesWithGroup(jobsGroup, db, authMiddleware)

	configGroup := api.Group("/config")
	config.RegisterRoutesWithGroup(configGroup, cfg)

	media.RegisterRoutes(e, cfg, media.NewLocator(cfg, db, cache), authMiddleware)

	if cfg.IsTest() {
		testutils.RegisterRoutes(e, db)
	}

	echo.NotFoundHandler = notFoundHandler
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	return e, nil
}

var (
	tooManyLoginsBody    = []byte(`{"error":{"code":"too_many_requests","message":"Too many login attempts. Try again later.","status_code":429}}`)
	tooManyPasswordsBody = []byte(`{"error":{"code":"too_many_requests","message":"Too many password change attempts. Try again later.","status_code":429}}`)
)

// loginLimiter throttles login attempts per client address.
func loginLimiter(cfg *config.Config) []echo.MiddlewareFunc {
	return limitByIP(cfg, tooManyLoginsBody)
}

// passwordLimiter throttles password changes, which check the current
// password, the same way.
func passwordLimiter(cfg *config.Config) []echo.MiddlewareFunc {
	return limitByIP(cfg, tooManyPasswordsBody)
}

func limitByIP(cfg *config.Config, body []byte) []echo.MiddlewareFunc {
	if !cfg.RateLimitEnabled {
		return nil
	}
	limiter := httprate.Limit(
		cfg.RateLimitRequests,
		cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write(body)
		}),
	)
	return []echo.MiddlewareFunc{echo.WrapMiddleware(limiter)}
}

func notFoundHandler(c echo.Context) error {
	c.SetPath("/:path")
	return errcodes.NotFound("Page")
}
