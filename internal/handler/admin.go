package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/service"
	"github.com/visualmatrix/api/pkg/response"
)

// AdminHandler serves the channel registry and job administration routes.
type AdminHandler struct {
	channels  *service.ChannelService
	jobs      *service.JobService
	validator *validator.Validate
}

func NewAdminHandler(channels *service.ChannelService, jobs *service.JobService, v *validator.Validate) *AdminHandler {
	return &AdminHandler{
		channels:  channels,
		jobs:      jobs,
		validator: v,
	}
}

// ListChannels handles GET /api/admin/channels
// @Summary      List channels with their models
// @Tags         Admin
// @Produce      json
// @Success      200 {array} model.Channel
// @Security     BearerAuth
// @Router       /api/admin/channels [get]
func (h *AdminHandler) ListChannels(c *fiber.Ctx) error {
	channels, err := h.channels.ListChannels(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, channels)
}

// CreateChannel handles POST /api/admin/channels
// @Summary      Register a provider channel
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body model.CreateChannelRequest true "Channel"
// @Success      201 {object} model.Channel
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/channels [post]
func (h *AdminHandler) CreateChannel(c *fiber.Ctx) error {
	var req model.CreateChannelRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ch, err := h.channels.CreateChannel(c.Context(), &req)
	if err != nil {
		return writeError(c, err)
	}
	return response.Created(c, ch)
}

// UpdateChannel handles PUT /api/admin/channels/:id
// @Summary      Update channel settings
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        id path int true "Channel ID"
// @Param        request body model.ChannelPatch true "Changed fields"
// @Success      200 {object} model.Channel
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/channels/{id} [put]
func (h *AdminHandler) UpdateChannel(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return response.ValidationError(c, "Invalid channel ID", nil)
	}

	var patch model.ChannelPatch
	if err := c.BodyParser(&patch); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&patch); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ch, err := h.channels.UpdateChannel(c.Context(), int64(id), patch)
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, ch)
}

// CreateModel handles POST /api/admin/channels/:id/models
// @Summary      Add a model to a channel
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        id path int true "Channel ID"
// @Param        request body model.CreateModelRequest true "Model"
// @Success      201 {object} model.Model
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/channels/{id}/models [post]
func (h *AdminHandler) CreateModel(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return response.ValidationError(c, "Invalid channel ID", nil)
	}

	var req model.CreateModelRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	m, err := h.channels.CreateModel(c.Context(), int64(id), &req)
	if err != nil {
		return writeError(c, err)
	}
	return response.Created(c, m)
}

// UpdateModel handles PUT /api/admin/models/:id
// @Summary      Update model settings
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        id path int true "Model ID"
// @Param        request body model.ModelPatch true "Changed fields"
// @Success      200 {object} model.Model
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/models/{id} [put]
func (h *AdminHandler) UpdateModel(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return response.ValidationError(c, "Invalid model ID", nil)
	}

	var patch model.ModelPatch
	if err := c.BodyParser(&patch); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&patch); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	m, err := h.channels.UpdateModel(c.Context(), int64(id), patch)
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, m)
}

// TestChannel handles POST /api/admin/channels/:id/test
// @Summary      Probe a channel now
// @Tags         Admin
// @Produce      json
// @Param        id path int true "Channel ID"
// @Success      200 {object} model.ChannelTestResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/channels/{id}/test [post]
func (h *AdminHandler) TestChannel(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return response.ValidationError(c, "Invalid channel ID", nil)
	}

	res, err := h.channels.TestChannel(c.Context(), int64(id))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, res)
}

// Sweep handles POST /api/admin/health/sweep
// @Summary      Probe every active channel now
// @Tags         Admin
// @Produce      json
// @Success      200 {object} model.SweepResponse
// @Security     BearerAuth
// @Router       /api/admin/health/sweep [post]
func (h *AdminHandler) Sweep(c *fiber.Ctx) error {
	res, err := h.channels.Sweep(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, res)
}

// ListJobs handles GET /api/admin/jobs
// @Summary      List jobs
// @Tags         Admin
// @Produce      json
// @Param        state  query string false "Job state"
// @Param        userId query string false "Owner"
// @Param        limit  query int    false "Page size (max 200)"
// @Param        offset query int    false "Offset"
// @Success      200 {object} model.JobListResponse
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/jobs [get]
func (h *AdminHandler) ListJobs(c *fiber.Ctx) error {
	filter := model.JobFilter{
		State:  model.JobState(c.Query("state")),
		UserID: c.Query("userId"),
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if filter.State != "" && !filter.State.Valid() {
		return response.ValidationError(c, "Invalid job state", map[string]interface{}{
			"state": filter.State,
		})
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	res, err := h.jobs.ListJobs(c.Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, res)
}

// RetryJob handles POST /api/admin/jobs/:jobId/retry
// @Summary      Re-run a failed or stuck job
// @Tags         Admin
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      202 {object} model.Job
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/jobs/{jobId}/retry [post]
func (h *AdminHandler) RetryJob(c *fiber.Ctx) error {
	job, err := h.jobs.RetryJob(c.Context(), c.Params("jobId"))
	if err != nil {
		return writeError(c, err)
	}
	return response.Accepted(c, job)
}

// UpsertStyle handles POST /api/admin/styles
// @Summary      Create or replace a style template
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body model.StyleTemplate true "Style"
// @Success      200 {object} model.StyleTemplate
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/styles [post]
func (h *AdminHandler) UpsertStyle(c *fiber.Ctx) error {
	var style model.StyleTemplate
	if err := c.BodyParser(&style); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&style); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.jobs.UpsertStyle(c.Context(), &style); err != nil {
		return writeError(c, err)
	}
	return response.OK(c, style)
}
