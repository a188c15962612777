package probe

import (
	"errors"

	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/api"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	jobs  job.Store
	probe *Service
}

func NewHandler(jobs job.Store, probe *Service) *Handler {
	return &Handler{jobs: jobs, probe: probe}
}

type CreateRequest struct {
	CNPJs []string `json:"cnpjs"`
}

type CreateResponse struct {
	Success bool `json:"success"`
	Submission
}

type StatusResponse struct {
	Success bool     `json:"success"`
	Job     *job.Job `json:"job"`
}

func (h *Handler) HandleCreate(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return api.BadRequest(c, "invalid body")
	}
	sub, err := h.probe.Enqueue(c.UserContext(), req.CNPJs)
	if errors.Is(err, ErrNoValidIdentifiers) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success":  false,
			"error":    err.Error(),
			"rejected": sub.Rejected,
		})
	}
	if err != nil {
		return api.Internal(c, err)
	}
	return c.JSON(CreateResponse{Success: true, Submission: sub})
}

func (h *Handler) HandleGet(c *fiber.Ctx) error {
	j, err := h.jobs.Get(c.UserContext(), c.Params("jobId"))
	if errors.Is(err, job.ErrNotFound) {
		return api.NotFound(c)
	}
	if err != nil {
		return api.Internal(c, err)
	}
	return c.JSON(StatusResponse{Success: true, Job: j})
}
