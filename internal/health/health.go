package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// HealthChecker is a single dependency probe
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	IsCritical() bool
	Name() string
}

// Manager runs the registered checkers
type Manager struct {
	checkers []HealthChecker
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make([]HealthChecker, 0),
		logger:   logger,
	}
}

// AddChecker adds a health checker to the manager
func (h *Manager) AddChecker(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
}

// StartupHealthCheck fails if any critical checker fails. Non-critical
// failures are logged only.
func (h *Manager) StartupHealthCheck(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var criticalFailures []error

	for _, checker := range h.checkers {
		err := checker.HealthCheck(ctx)
		if err == nil {
			continue
		}
		if checker.IsCritical() {
			criticalFailures = append(criticalFailures, fmt.Errorf("%s: %w", checker.Name(), err))
			h.logger.Error("Critical service health check failed",
				zap.String("service", checker.Name()),
				zap.Error(err))
		} else {
			h.logger.Warn("Non-critical service health check failed",
				zap.String("service", checker.Name()),
				zap.Error(err))
		}
	}

	if len(criticalFailures) > 0 {
		return fmt.Errorf("critical services failed health check: %v", criticalFailures)
	}
	return nil
}

// RuntimeHealthCheck returns every checker's result keyed by name
func (h *Manager) RuntimeHealthCheck(ctx context.Context) map[string]error {
	results, _ := h.runChecks(ctx)
	return results
}

// runChecks runs each checker once and returns the results along with the
// failures of critical checkers
func (h *Manager) runChecks(ctx context.Context) (map[string]error, []error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]error, len(h.checkers))
	var criticalFailures []error
	for _, checker := range h.checkers {
		err := checker.HealthCheck(ctx)
		results[checker.Name()] = err
		if err != nil && checker.IsCritical() {
			criticalFailures = append(criticalFailures, fmt.Errorf("%s: %w", checker.Name(), err))
		}
	}
	return results, criticalFailures
}

// Handler serves /health: 200 when every critical check passes, 503 otherwise
func (h *Manager) Handler(c *gin.Context) {
	results, criticalFailures := h.runChecks(c.Request.Context())

	services := gin.H{}
	for name, err := range results {
		if err != nil {
			services[name] = err.Error()
		} else {
			services[name] = "healthy"
		}
	}

	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"services":  services,
	}
	if observers, ok := h.observerCount(); ok {
		body["observers"] = observers
	}

	if len(criticalFailures) > 0 {
		h.logger.Warn("Health check failed", zap.Errors("critical", criticalFailures))
		body["status"] = "unhealthy"
		body["error"] = fmt.Sprintf("critical services failed health check: %v", criticalFailures)
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	c.JSON(http.StatusOK, body)
}

func (h *Manager) observerCount() (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, checker := range h.checkers {
		if o, ok := checker.(*ObserverHealthChecker); ok && o.hub != nil {
			return o.hub.Count(), true
		}
	}
	return 0, false
}

// DatabaseHealthChecker checks database connectivity
type DatabaseHealthChecker struct {
	db *bun.DB
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db *bun.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db}
}

func (d *DatabaseHealthChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseHealthChecker) IsCritical() bool {
	return true
}

func (d *DatabaseHealthChecker) Name() string {
	return "database"
}

// CountReporter is anything that can report a size, such as the broadcast hub
type CountReporter interface {
	Count() int
}

// ObserverHealthChecker reports the broadcast hub; it never fails startup
type ObserverHealthChecker struct {
	hub CountReporter
}

// NewObserverHealthChecker creates a broadcast hub health checker
func NewObserverHealthChecker(hub CountReporter) *ObserverHealthChecker {
	return &ObserverHealthChecker{hub: hub}
}

func (o *ObserverHealthChecker) HealthCheck(ctx context.Context) error {
	if o.hub == nil {
		return fmt.Errorf("broadcast hub is nil")
	}
	return nil
}

func (o *ObserverHealthChecker) IsCritical() bool {
	return false
}

func (o *ObserverHealthChecker) Name() string {
	return "broadcast"
}
