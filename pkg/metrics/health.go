package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline stages the daemon cannot serve without. Collectors and other
// auxiliary components only degrade the daemon when they fail: events stop
// flowing from that source, but the store and control surface keep working.
var coreStages = []string{"store", "bus", "ingress"}

// ComponentStatus is the reported state of one registered component.
type ComponentStatus struct {
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Health is the body served by the /health endpoint.
type Health struct {
	// Status is healthy, degraded (an auxiliary component such as a
	// collector is down) or unhealthy (a core pipeline stage is down).
	Status        string                     `json:"status"`
	Version       string                     `json:"version,omitempty"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentStatus `json:"components,omitempty"`
}

// Readiness is the body served by the /ready endpoint.
type Readiness struct {
	Ready         bool     `json:"ready"`
	WaitingOn     []string `json:"waiting_on,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

type probeSet struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	startTime  time.Time
	version    string
}

var probes = &probeSet{
	components: make(map[string]ComponentStatus),
	startTime:  time.Now(),
}

// SetVersion records the build version reported by the health endpoints.
func SetVersion(version string) {
	probes.mu.Lock()
	defer probes.mu.Unlock()
	probes.version = version
}

// RegisterComponent records (or updates) a component's state. The manager
// registers the core stages at startup and collector.<name> entries as
// their supervision loops report in.
func RegisterComponent(name string, ok bool, detail string) {
	probes.mu.Lock()
	defer probes.mu.Unlock()
	probes.components[name] = ComponentStatus{
		OK:        ok,
		Detail:    detail,
		UpdatedAt: time.Now(),
	}
}

func isCoreStage(name string) bool {
	for _, stage := range coreStages {
		if name == stage {
			return true
		}
	}
	return false
}

// CurrentHealth derives the daemon's health from the registered
// components: a failed core stage is unhealthy, a failed auxiliary
// component (collector.*) is degraded.
func CurrentHealth() Health {
	probes.mu.RLock()
	defer probes.mu.RUnlock()

	status := "healthy"
	components := make(map[string]ComponentStatus, len(probes.components))
	for name, comp := range probes.components {
		components[name] = comp
		if comp.OK {
			continue
		}
		if isCoreStage(name) {
			status = "unhealthy"
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	return Health{
		Status:        status,
		Version:       probes.version,
		UptimeSeconds: int64(time.Since(probes.startTime).Seconds()),
		Components:    components,
	}
}

// CurrentReadiness reports whether every core pipeline stage has come up.
// Auxiliary components never block readiness; a daemon with a broken
// collector still serves its store.
func CurrentReadiness() Readiness {
	probes.mu.RLock()
	defer probes.mu.RUnlock()

	var waiting []string
	for _, stage := range coreStages {
		comp, registered := probes.components[stage]
		if !registered {
			waiting = append(waiting, stage+" (not started)")
			continue
		}
		if !comp.OK {
			detail := comp.Detail
			if detail == "" {
				detail = "failing"
			}
			waiting = append(waiting, stage+" ("+detail+")")
		}
	}
	sort.Strings(waiting)

	return Readiness{
		Ready:         len(waiting) == 0,
		WaitingOn:     waiting,
		UptimeSeconds: int64(time.Since(probes.startTime).Seconds()),
	}
}

// HealthHandler serves the /health endpoint. A degraded daemon still
// answers 200: it is serving findings even if a collector is down.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := CurrentHealth()

		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeProbe(w, code, health)
	}
}

// ReadyHandler serves the /ready endpoint.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := CurrentReadiness()

		code := http.StatusOK
		if !readiness.Ready {
			code = http.StatusServiceUnavailable
		}
		writeProbe(w, code, readiness)
	}
}

// LivenessHandler serves the /live endpoint: 200 whenever the process can
// answer at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, http.StatusOK, map[string]any{
			"status":         "alive",
			"uptime_seconds": int64(time.Since(probes.startTime).Seconds()),
		})
	}
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ComponentNames lists the registered components, core stages first. Used
// by status displays.
func ComponentNames() []string {
	probes.mu.RLock()
	defer probes.mu.RUnlock()

	names := make([]string, 0, len(probes.components))
	for name := range probes.components {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := isCoreStage(names[i]), isCoreStage(names[j])
		if ci != cj {
			return ci
		}
		return strings.Compare(names[i], names[j]) < 0
	})
	return names
}
