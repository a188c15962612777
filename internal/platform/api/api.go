package api

import (
	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	"github.com/gofiber/fiber/v2"
)

// Error is the failure envelope every endpoint returns.
type Error struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func Fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(Error{Success: false, Error: logger.StripANSI(msg)})
}

func BadRequest(c *fiber.Ctx, msg string) error {
	return Fail(c, fiber.StatusBadRequest, msg)
}

func NotFound(c *fiber.Ctx) error {
	return Fail(c, fiber.StatusNotFound, "not_found")
}

func Internal(c *fiber.Ctx, err error) error {
	return Fail(c, fiber.StatusInternalServerError, err.Error())
}
