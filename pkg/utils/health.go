package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

type HealthCheck func() (HealthStatus, string)

// HealthMonitor runs registered checks periodically and serves the last
// results.
type HealthMonitor struct {
	components    map[string]*ComponentHealth
	healthChecks  map[string]HealthCheck
	mutex         sync.RWMutex
	startTime     time.Time
	checkInterval time.Duration
	logger        *zap.Logger
}

func NewHealthMonitor(checkInterval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		components:    make(map[string]*ComponentHealth),
		healthChecks:  make(map[string]HealthCheck),
		startTime:     time.Now(),
		checkInterval: checkInterval,
		logger:        logger,
	}
}

func (hm *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.components[name] = &ComponentHealth{Name: name, Status: StatusHealthy, LastCheck: time.Now()}
	hm.healthChecks[name] = check
}

func (hm *HealthMonitor) CheckHealth(name string) {
	hm.mutex.RLock()
	check, exists := hm.healthChecks[name]
	hm.mutex.RUnlock()
	if !exists {
		return
	}

	status, message := check()

	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	comp := hm.components[name]
	if comp.Status != status && status != StatusHealthy {
		hm.logger.Warn("Component health changed",
			zap.String("component", name),
			zap.String("status", string(status)),
			zap.String("message", message))
	}
	comp.Status = status
	comp.Message = message
	comp.LastCheck = time.Now()
}

func (hm *HealthMonitor) CheckAllHealth() {
	hm.mutex.RLock()
	names := make([]string, 0, len(hm.healthChecks))
	for name := range hm.healthChecks {
		names = append(names, name)
	}
	hm.mutex.RUnlock()

	for _, name := range names {
		hm.CheckHealth(name)
	}
}

func (hm *HealthMonitor) GetHealth(name string) (ComponentHealth, bool) {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	comp, exists := hm.components[name]
	if !exists {
		return ComponentHealth{}, false
	}
	return *comp, true
}

func (hm *HealthMonitor) GetOverallHealth() HealthStatus {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.overallLocked()
}

func (hm *HealthMonitor) overallLocked() HealthStatus {
	overall := StatusHealthy
	for _, comp := range hm.components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthReport is the JSON body served by Handler.
type HealthReport struct {
	Status     HealthStatus      `json:"overall_status"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (hm *HealthMonitor) Report() HealthReport {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	report := HealthReport{
		Status:     hm.overallLocked(),
		Uptime:     time.Since(hm.startTime).Round(time.Second).String(),
		Components: make([]ComponentHealth, 0, len(hm.components)),
		Timestamp:  time.Now(),
	}
	for _, comp := range hm.components {
		report.Components = append(report.Components, *comp)
	}
	return report
}

// Handler serves the report; unhealthy answers 503.
func (hm *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := hm.Report()
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// StartPeriodicChecks runs all checks every interval until ctx is done.
func (hm *HealthMonitor) StartPeriodicChecks(ctx context.Context) {
	SafeGoroutine(hm.logger, "health-monitor", func() {
		ticker := time.NewTicker(hm.checkInterval)
		defer ticker.Stop()

		hm.CheckAllHealth()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.CheckAllHealth()
			}
		}
	})
}
