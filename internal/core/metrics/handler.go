package metrics

import (
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/platform/api"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

type Response struct {
	Success bool     `json:"success"`
	Metrics Snapshot `json:"metrics"`
}

// HandleGet returns the snapshot for ?date=YYYY-MM-DD, defaulting to today.
func (h *Handler) HandleGet(c *fiber.Ctx) error {
	day := h.svc.now()
	if q := c.Query("date"); q != "" {
		d, err := time.ParseInLocation("2006-01-02", q, h.svc.loc)
		if err != nil {
			return api.BadRequest(c, "date must be YYYY-MM-DD")
		}
		day = d
	}
	snap, err := h.svc.Snapshot(c.UserContext(), day)
	if err != nil {
		return api.Internal(c, err)
	}
	return c.JSON(Response{Success: true, Metrics: snap})
}

func (h *Handler) HandleRefresh(c *fiber.Ctx) error {
	snap, err := h.svc.Refresh(c.UserContext())
	if err != nil {
		return api.Internal(c, err)
	}
	return c.JSON(Response{Success: true, Metrics: snap})
}
