package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/alerting"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/auth"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/ingest"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/pipeline"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/service"
)

// TenantHeader optionally narrows device authentication to one tenant.
const TenantHeader = "X-Tenant-ID"

// NewApp builds the fiber app with error mapping and every route registered.
func NewApp(svcs *service.Services, logger zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
		ErrorHandler:          errorHandler(logger),
	})
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	Register(app, svcs)
	return app
}

func Register(app *fiber.App, svcs *service.Services) {
	g := app.Group("/v1")

	g.Post("/readings", func(c *fiber.Ctx) error {
		key, ok := auth.ParseAuthorization(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return &auth.Error{Kind: auth.KindInvalid, Detail: "missing Device authorization"}
		}
		p, err := ingest.Decode(c.Body())
		if err != nil {
			return err
		}
		ack, err := svcs.Readings.Ingest(c.UserContext(), ingest.TransportHTTP, c.Get(TenantHeader), key, p)
		if err != nil {
			return err
		}
		status := fiber.StatusAccepted
		if ack.Accepted == 0 && len(ack.Rejected) > 0 {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(ack)
	})

	g.Get("/alerts", func(c *fiber.Ctx) error {
		tenant := c.Query("tenant")
		if tenant == "" {
			return fiber.NewError(fiber.StatusBadRequest, "tenant query parameter required")
		}
		items, err := svcs.Alerts.List(c.UserContext(), tenant)
		if err != nil {
			return err
		}
		if items == nil {
			items = []domain.Alert{}
		}
		return c.JSON(items)
	})

	g.Get("/alerts/:id", func(c *fiber.Ctx) error {
		a, err := svcs.Alerts.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(a)
	})

	g.Post("/alerts/:id/acknowledge", func(c *fiber.Ctx) error {
		a, err := svcs.Alerts.Acknowledge(c.UserContext(), c.Params("id"), actor(c))
		if err != nil {
			return err
		}
		return c.JSON(a)
	})

	g.Post("/alerts/:id/resolve", func(c *fiber.Ctx) error {
		a, err := svcs.Alerts.Resolve(c.UserContext(), c.Params("id"), actor(c))
		if err != nil {
			return err
		}
		return c.JSON(a)
	})

	g.Get("/alerts/:id/deliveries", func(c *fiber.Ctx) error {
		items, err := svcs.Audit.DeliveryAttempts(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		if items == nil {
			items = []domain.DeliveryAttempt{}
		}
		return c.JSON(items)
	})

	g.Get("/sensors/:tenant/:sensor/window", func(c *fiber.Ctx) error {
		key := domain.SensorKey{TenantID: c.Params("tenant"), SensorID: c.Params("sensor")}
		snap, ok, err := svcs.Windows.WindowSnapshot(c.UserContext(), key)
		if err != nil {
			return err
		}
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no window for "+key.String())
		}
		return c.JSON(snap)
	})

	g.Get("/sensors/:tenant/:sensor/history", func(c *fiber.Ctx) error {
		if svcs.History == nil {
			return fiber.NewError(fiber.StatusNotFound, "reading archive disabled")
		}
		since := time.Now().Add(-time.Hour)
		if v := c.Query("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "since must be RFC3339")
			}
			since = t
		}
		key := domain.SensorKey{TenantID: c.Params("tenant"), SensorID: c.Params("sensor")}
		items, err := svcs.History.Recent(c.UserContext(), key, since)
		if err != nil {
			return err
		}
		if items == nil {
			items = []domain.Reading{}
		}
		return c.JSON(items)
	})
}

func actor(c *fiber.Ctx) string {
	var body struct {
		Actor string `json:"actor"`
	}
	if len(c.Body()) > 0 {
		_ = c.BodyParser(&body)
	}
	if body.Actor == "" {
		return "operator"
	}
	return body.Actor
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	var ve *ingest.ValidationError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, auth.ErrTenantSuspended):
		return fiber.StatusForbidden
	case errors.Is(err, auth.ErrInvalid), errors.Is(err, auth.ErrRevoked):
		return fiber.StatusUnauthorized
	case errors.As(err, &ve):
		return fiber.StatusBadRequest
	case errors.Is(err, alerting.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, alerting.ErrAlreadyResolved):
		return fiber.StatusConflict
	case errors.Is(err, pipeline.ErrClosed),
		errors.Is(err, alerting.ErrPersistence),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)
		if code >= fiber.StatusInternalServerError {
			logger.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Int("status", code).Msg("request failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
