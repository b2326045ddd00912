// Package httpapi exposes the broker over HTTP: the agent-facing surface at
// the root and the admin surface under /api/admin.
package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/airlock-sh/airlock/internal/auth"
	"github.com/airlock-sh/airlock/internal/credential"
	"github.com/airlock-sh/airlock/internal/execution"
	"github.com/airlock-sh/airlock/internal/fault"
	"github.com/airlock-sh/airlock/internal/profile"
	"github.com/airlock-sh/airlock/internal/worker"
)

// Dependencies carries everything the HTTP layer needs.
type Dependencies struct {
	Logger      zerolog.Logger
	Gateway     *auth.Gateway
	Credentials *credential.Store
	Profiles    *profile.Store
	Executions  *execution.Store
	Dispatcher  *execution.Dispatcher
	Worker      worker.Worker
}

type api struct {
	log        zerolog.Logger
	gateway    *auth.Gateway
	creds      *credential.Store
	profiles   *profile.Store
	execs      *execution.Store
	dispatcher *execution.Dispatcher
	worker     worker.Worker
}

// New builds the fiber app with all routes registered.
func New(deps Dependencies) *fiber.App {
	a := &api{
		log:        deps.Logger.With().Str("component", "httpapi").Logger(),
		gateway:    deps.Gateway,
		creds:      deps.Credentials,
		profiles:   deps.Profiles,
		execs:      deps.Executions,
		dispatcher: deps.Dispatcher,
		worker:     deps.Worker,
	}

	app := fiber.New(fiber.Config{
		AppName:      "airlock",
		ErrorHandler: a.errorHandler,
	})

	app.Use(a.requestLogger)

	app.Get("/health", a.health)

	// Agent surface.
	app.Get("/credentials", a.agentListCredentials)
	app.Post("/credentials", a.agentCreateCredentials)
	app.Get("/profiles", a.agentListProfiles)
	app.Post("/profiles", a.agentCreateProfile)
	app.Get("/profiles/:id", a.agentGetProfile)
	app.Post("/profiles/:id/credentials", a.agentAddCredentials)
	app.Delete("/profiles/:id/credentials", a.agentRemoveCredentials)
	app.Post("/execute", a.execute)
	app.Get("/executions", a.listExecutions)
	app.Get("/executions/:id", a.getExecution)
	app.Post("/executions/:id/respond", a.respondExecution)
	app.Get("/skill.md", a.skillDoc)

	// Admin surface.
	admin := app.Group("/api/admin")
	admin.Get("/status", a.adminStatus)
	admin.Post("/setup", a.adminSetup)
	admin.Post("/login", a.adminLogin)

	authed := admin.Group("", a.requireAdmin)
	authed.Get("/credentials", a.adminListCredentials)
	authed.Post("/credentials", a.adminCreateCredential)
	authed.Put("/credentials/:name", a.adminUpdateCredential)
	authed.Delete("/credentials/:name", a.adminDeleteCredential)
	authed.Get("/profiles", a.adminListProfiles)
	authed.Post("/profiles", a.adminCreateProfile)
	authed.Get("/profiles/:id", a.adminGetProfile)
	authed.Put("/profiles/:id", a.adminUpdateProfile)
	authed.Delete("/profiles/:id", a.adminDeleteProfile)
	authed.Post("/profiles/:id/lock", a.adminLockProfile)
	authed.Post("/profiles/:id/regenerate-key", a.adminRegenerateKey)
	authed.Post("/profiles/:id/revoke", a.adminRevokeProfile)
	authed.Post("/profiles/:id/credentials", a.adminAddCredentials)
	authed.Delete("/profiles/:id/credentials", a.adminRemoveCredentials)
	authed.Get("/executions", a.adminListExecutions)
	authed.Get("/stats", a.adminStats)

	return app
}

// httpStatus maps fault kinds to HTTP status codes.
func httpStatus(kind fault.Kind) int {
	switch kind {
	case fault.Validation:
		return fiber.StatusUnprocessableEntity
	case fault.NotFound:
		return fiber.StatusNotFound
	case fault.Conflict:
		return fiber.StatusConflict
	case fault.Unauthorized:
		return fiber.StatusUnauthorized
	case fault.Integrity:
		return fiber.StatusForbidden
	case fault.Unavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (a *api) errorHandler(c fiber.Ctx, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		inner := fiber.Map{
			"code":    fe.Kind.Code(),
			"message": fe.Message,
		}
		if len(fe.ProfileIDs) > 0 {
			inner["profile_ids"] = fe.ProfileIDs
		}
		status := httpStatus(fe.Kind)
		if status >= 500 {
			a.log.Error().Err(err).Str("code", fe.Kind.Code()).Msg("request failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": inner})
	}

	var fbe *fiber.Error
	if errors.As(err, &fbe) {
		code := "internal_error"
		switch {
		case fbe.Code == fiber.StatusNotFound:
			code = "not_found"
		case fbe.Code >= 400 && fbe.Code < 500:
			code = "bad_request"
		}
		return c.Status(fbe.Code).JSON(fiber.Map{
			"error": fiber.Map{"code": code, "message": fbe.Message},
		})
	}

	a.log.Error().Err(err).Msg("unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{"code": "internal_error", "message": "internal server error"},
	})
}

func (a *api) requestLogger(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	a.log.Info().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("elapsed", time.Since(start)).
		Msg("request")
	return err
}

// requireAdmin gates the authenticated admin routes.
func (a *api) requireAdmin(c fiber.Ctx) error {
	if err := a.gateway.RequireAdmin(bearerToken(c)); err != nil {
		return err
	}
	return c.Next()
}

// bearerToken extracts the Authorization bearer value, if any.
func bearerToken(c fiber.Ctx) string {
	header := c.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (a *api) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":           "ok",
		"worker_available": a.worker.Available(c.RequestCtx()),
	})
}
