package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// Check probes one dependency.
type Check func(context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	log       *logger.Logger
	checks    map[string]Check
	startTime time.Time
	ready     atomic.Bool
}

// NewHealthHandler creates a handler that runs every check on each request.
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		log:       logger.New("HealthCheck"),
		checks:    checks,
		startTime: time.Now(),
	}
}

// SetReady marks the application as ready to receive traffic
func (h *HealthHandler) SetReady() {
	h.ready.Store(true)
	h.log.LogSuccessf("Application marked as ready for traffic after %v", time.Since(h.startTime))
}

type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type OverallHealth struct {
	OverallStatus string                     `json:"overall_status"`
	Timestamp     string                     `json:"timestamp"`
	Ready         bool                       `json:"ready"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentStatus `json:"components"`
}

// Run executes all checks concurrently and reports whether they passed.
func (h *HealthHandler) Run(ctx context.Context) (map[string]ComponentStatus, bool) {
	statuses := make(map[string]ComponentStatus, len(h.checks))
	var wg sync.WaitGroup
	var mu sync.Mutex
	allOk := true

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			start := time.Now()
			st := ComponentStatus{Status: "ok"}
			if err := check(ctx); err != nil {
				st = ComponentStatus{Status: "error", Error: err.Error()}
				h.log.LogErrorf("Health check failed for %s after %v: %v", name, time.Since(start), err)
			} else {
				h.log.LogDebugf("Health check passed for %s in %v", name, time.Since(start))
			}
			mu.Lock()
			statuses[name] = st
			if st.Status != "ok" {
				allOk = false
			}
			mu.Unlock()
		}(name, h.checks[name])
	}
	wg.Wait()
	return statuses, allOk
}

// HandleHealth responds with the system's health status, including dependencies
func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 8*time.Second)
	defer cancel()

	statuses, allOk := h.Run(ctx)
	ready := h.ready.Load()
	response := OverallHealth{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Ready:         ready,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Components:    statuses,
	}

	switch {
	case allOk && ready:
		response.OverallStatus = "ok"
		return c.Status(http.StatusOK).JSON(response)
	case !ready:
		response.OverallStatus = "starting"
	default:
		response.OverallStatus = "error"
		h.log.LogWarnf("Health check failed. Statuses: %+v", statuses)
	}
	return c.Status(http.StatusServiceUnavailable).JSON(response)
}

func HealthLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"success": false, "error": "Rate limit exceeded"})
		},
	})
}
