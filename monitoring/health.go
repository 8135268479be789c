package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	InstanceID      string            `json:"instance_id"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	ComponentStatus map[string]string `json:"component_status"`
	Details         map[string]any    `json:"details,omitempty"`
}

// Health aggregates named component checks into one JSON report. Checks
// returning false mark the process degraded but never unhealthy: upstream
// outages are expected steady states.
type Health struct {
	instanceID string
	startTime  time.Time

	mu      sync.RWMutex
	checks  map[string]func() bool
	details map[string]func() any
}

func NewHealth(instanceID string) *Health {
	return &Health{
		instanceID: instanceID,
		startTime:  time.Now(),
		checks:     make(map[string]func() bool),
		details:    make(map[string]func() any),
	}
}

func (h *Health) RegisterCheck(name string, check func() bool) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// RegisterDetail adds a named section rendered under "details".
func (h *Health) RegisterDetail(name string, fn func() any) {
	h.mu.Lock()
	h.details[name] = fn
	h.mu.Unlock()
}

func (h *Health) Status() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := HealthStatus{
		Status:          "ok",
		InstanceID:      h.instanceID,
		Uptime:          time.Since(h.startTime).Round(time.Second).String(),
		StartTime:       h.startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		ComponentStatus: make(map[string]string),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if h.checks[name]() {
			status.ComponentStatus[name] = "healthy"
		} else {
			status.ComponentStatus[name] = "unhealthy"
			status.Status = "degraded"
		}
	}

	if len(h.details) > 0 {
		status.Details = make(map[string]any, len(h.details))
		for name, fn := range h.details {
			status.Details[name] = fn()
		}
	}
	return status
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Status())
}
