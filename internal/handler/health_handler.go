package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// Pinger is satisfied by the NDR store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Broker is satisfied by the RabbitMQ connection.
type Broker interface {
	IsClosed() bool
}

// RegisterHealthRoutes wires /livez and /readyz. rdb may be nil when the
// carrier limiter is process-local; broker may be nil when none is configured.
func RegisterHealthRoutes(app fiber.Router, store Pinger, rdb *redis.Client, broker Broker) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(store, rdb, broker))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(store Pinger, rdb *redis.Client, broker Broker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		checks := fiber.Map{}
		ready := true

		storeStatus := "ok"
		if err := store.Ping(ctx); err != nil {
			storeStatus = "down"
			ready = false
		}
		checks["store"] = storeStatus

		if rdb != nil {
			redisStatus := "ok"
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "down"
				ready = false
			}
			checks["redis"] = redisStatus
		}

		if broker != nil {
			brokerStatus := "ok"
			if broker.IsClosed() {
				brokerStatus = "down"
				ready = false
			}
			checks["rabbitmq"] = brokerStatus
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	}
}
