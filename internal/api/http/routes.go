package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/acidvuca/vlc-ingest/internal/pipeline"
)

// RegisterRoutes wires the operational HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, pipelines []*pipeline.Pipeline) {
	v1 := app.Group("/api/v1")

	v1.Get("/status", func(c *fiber.Ctx) error {
		statuses := make([]pipeline.Status, 0, len(pipelines))
		for _, p := range pipelines {
			statuses = append(statuses, p.Status())
		}
		return c.JSON(fiber.Map{"datasets": statuses})
	})

	v1.Get("/status/:dataset", func(c *fiber.Ctx) error {
		name := c.Params("dataset")
		for _, p := range pipelines {
			if p.Name() == name {
				return c.JSON(p.Status())
			}
		}
		return fiber.NewError(fiber.StatusNotFound, "unknown dataset")
	})
}
