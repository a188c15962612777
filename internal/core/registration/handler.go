package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/RegularizePGFN/regularize-bot/internal/core/otp"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/api"

	"github.com/gofiber/fiber/v2"
)

// Deliverer hands an OTP to the worker waiting for it.
type Deliverer interface {
	Deliver(ctx context.Context, registrationID, code string) error
}

type Handler struct {
	svc *Service
	otp Deliverer
}

func NewHandler(svc *Service, otp Deliverer) *Handler {
	return &Handler{svc: svc, otp: otp}
}

type CreateResponse struct {
	Success bool `json:"success"`
	Submission
}

type StatusResponse struct {
	Success      bool `json:"success"`
	Registration View `json:"registration"`
}

type OTPRequest struct {
	Code string `json:"code"`
}

func (h *Handler) HandleCreate(c *fiber.Ctx) error {
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return api.BadRequest(c, "invalid body")
	}
	sub, err := h.svc.Submit(c.UserContext(), req)
	var verr *ValidationError
	if errors.As(err, &verr) {
		return api.BadRequest(c, verr.Error())
	}
	if err != nil {
		return api.Internal(c, err)
	}
	return c.JSON(CreateResponse{Success: true, Submission: sub})
}

func (h *Handler) HandleGet(c *fiber.Ctx) error {
	rec, err := h.svc.Store.Get(c.UserContext(), c.Params("jobId"))
	if errors.Is(err, ErrNotFound) {
		return api.NotFound(c)
	}
	if err != nil {
		return api.Internal(c, err)
	}
	return c.JSON(StatusResponse{Success: true, Registration: rec.Public()})
}

// HandleOTP accepts the code the portal e-mailed for a running
// registration.
func (h *Handler) HandleOTP(c *fiber.Ctx) error {
	var req OTPRequest
	if err := c.BodyParser(&req); err != nil {
		return api.BadRequest(c, "invalid body")
	}
	id := c.Params("jobId")
	rec, err := h.svc.Store.Get(c.UserContext(), id)
	if errors.Is(err, ErrNotFound) {
		return api.NotFound(c)
	}
	if err != nil {
		return api.Internal(c, err)
	}
	if rec.Status.Terminal() {
		return api.Fail(c, fiber.StatusConflict, fmt.Sprintf("registration is already %s", rec.Status))
	}
	if err := h.otp.Deliver(c.UserContext(), id, req.Code); err != nil {
		if errors.Is(err, otp.ErrEmpty) {
			return api.BadRequest(c, err.Error())
		}
		return api.Internal(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}
