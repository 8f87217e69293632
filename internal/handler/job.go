package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/visualmatrix/api/internal/middleware"
	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/service"
	"github.com/visualmatrix/api/pkg/response"
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

type JobHandler struct {
	jobs      *service.JobService
	uploads   *service.UploadService
	validator *validator.Validate
}

func NewJobHandler(jobs *service.JobService, uploads *service.UploadService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		uploads:   uploads,
		validator: v,
	}
}

// Analyze handles POST /api/analyze
// @Summary      Submit a product image for analysis
// @Description  Stores the image and queues the analysis stage of a new job
// @Tags         Jobs
// @Accept       multipart/form-data
// @Produce      json
// @Param        image      formData file   true  "Product photo (JPEG, PNG, WEBP)"
// @Param        userPrompt formData string false "Extra requirements"
// @Param        styleId    formData string false "Style template ID"
// @Success      202 {object} model.AnalyzeResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/analyze [post]
func (h *JobHandler) Analyze(c *fiber.Ctx) error {
	file, err := c.FormFile("image")
	if err != nil {
		return response.ValidationError(c, "image is required", nil)
	}

	contentType := file.Header.Get("Content-Type")
	if !allowedImageTypes[contentType] {
		return response.ValidationError(c, "Invalid file type. Supported: JPEG, PNG, WEBP, GIF", map[string]interface{}{
			"contentType": contentType,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	userID := middleware.GetUserID(c)
	stored, err := h.uploads.StoreSource(c.Context(), userID, f)
	if err != nil {
		return writeError(c, err)
	}

	result, err := h.jobs.SubmitAnalysis(c.Context(), service.AnalysisInput{
		UserID:      userID,
		SourceImage: stored.Ref,
		UserPrompt:  c.FormValue("userPrompt"),
		StyleID:     c.FormValue("styleId"),
	})
	if err != nil {
		return writeError(c, err)
	}

	return response.Accepted(c, result)
}

// Generate handles POST /api/generate
// @Summary      Request images for an analyzed job
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.GenerateRequest true "Generate request"
// @Success      202 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate [post]
func (h *JobHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.jobs.SubmitGeneration(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return writeError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.jobs.QueryStatus(c.Context(), middleware.GetUserID(c), jobID, middleware.IsAdmin(c))
	if err != nil {
		return writeError(c, err)
	}

	return response.OK(c, result)
}

// Finalize handles POST /api/results/:resultId/finalize
// @Summary      Store the edited version of a result
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        resultId path string true "Result ID"
// @Param        request body model.FinalizeRequest true "Finalize request"
// @Success      200 {object} model.Result
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/results/{resultId}/finalize [post]
func (h *JobHandler) Finalize(c *fiber.Ctx) error {
	var req model.FinalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.jobs.FinalizeResult(c.Context(), middleware.GetUserID(c), c.Params("resultId"), &req)
	if err != nil {
		return writeError(c, err)
	}

	return response.OK(c, result)
}

// Styles handles GET /api/styles
// @Summary      List active style templates
// @Tags         Jobs
// @Produce      json
// @Success      200 {array} model.StyleTemplate
// @Security     BearerAuth
// @Router       /api/styles [get]
func (h *JobHandler) Styles(c *fiber.Ctx) error {
	styles, err := h.jobs.ListStyles(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, styles)
}
