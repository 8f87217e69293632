package handler

import "github.com/gofiber/fiber/v2"

// Routes collects everything needed to mount the HTTP surface.
type Routes struct {
	Auth          fiber.Handler
	WSAuth        fiber.Handler
	AdminOnly     fiber.Handler
	AnalyzeLimit  fiber.Handler
	GenerateLimit fiber.Handler

	Jobs       *JobHandler
	Admin      *AdminHandler
	AuthVerify *AuthHandler
	WS         fiber.Handler
}

func (r Routes) Mount(app *fiber.App) {
	if r.AuthVerify != nil {
		app.Get("/auth/verify", r.AuthVerify.Verify)
	}

	api := app.Group("/api", r.Auth)
	api.Post("/analyze", r.AnalyzeLimit, r.Jobs.Analyze)
	api.Post("/generate", r.GenerateLimit, r.Jobs.Generate)
	api.Get("/jobs/:jobId", r.Jobs.Status)
	api.Get("/styles", r.Jobs.Styles)
	api.Post("/results/:resultId/finalize", r.Jobs.Finalize)

	admin := api.Group("/admin", r.AdminOnly)
	admin.Get("/channels", r.Admin.ListChannels)
	admin.Post("/channels", r.Admin.CreateChannel)
	admin.Put("/channels/:id", r.Admin.UpdateChannel)
	admin.Post("/channels/:id/models", r.Admin.CreateModel)
	admin.Post("/channels/:id/test", r.Admin.TestChannel)
	admin.Put("/models/:id", r.Admin.UpdateModel)
	admin.Post("/health/sweep", r.Admin.Sweep)
	admin.Get("/jobs", r.Admin.ListJobs)
	admin.Post("/jobs/:jobId/retry", r.Admin.RetryJob)
	admin.Post("/styles", r.Admin.UpsertStyle)

	if r.WS != nil {
		app.Use("/ws", UpgradeOnly())
		app.Get("/ws", r.WSAuth, r.WS)
	}
}
