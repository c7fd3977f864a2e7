package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/wioota/devloop/pkg/agent"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/metrics"
)

func contextWithGrace() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// StatusReport is the /status response body.
type StatusReport struct {
	Agents     []agent.Status `json:"agents"`
	QueueDepth int            `json:"queue_depth"`
	SlotsInUse int            `json:"slots_in_use"`
	SlotsTotal int            `json:"slots_total"`
}

// ServeControl runs the local control listener until the manager stops.
// It hosts the pause/resume/status surface the CLI and coding assistants
// consume, plus metrics and health.
func (m *Manager) ServeControl() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/pause", m.handlePause(true))
	mux.HandleFunc("/resume", m.handlePause(false))
	mux.HandleFunc("/findings", m.handleFindings)
	mux.HandleFunc("/index", m.handleIndex)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{
		Addr:         m.cfg.ControlAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-m.stopCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := StatusReport{
		Agents:     m.AgentStatuses(),
		QueueDepth: m.QueueDepth(),
		SlotsInUse: m.SlotsInUse(),
		SlotsTotal: m.cfg.Global.MaxConcurrentAgents,
	}
	writeJSON(w, http.StatusOK, report)
}

func (m *Manager) handlePause(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var names []string
		if raw := r.URL.Query().Get("agents"); raw != "" {
			names = strings.Split(raw, ",")
		}
		var err error
		if pause {
			err = m.Pause(names...)
		} else {
			err = m.Resume(names...)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": pause})
	}
}

func (m *Manager) handleFindings(w http.ResponseWriter, r *http.Request) {
	tier := finding.Tier(r.URL.Query().Get("tier"))
	if tier == "" {
		tier = finding.TierImmediate
	}
	ctx, cancel := contextWithGrace()
	defer cancel()
	items, err := m.store.Snapshot(ctx, tier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (m *Manager) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithGrace()
	defer cancel()
	idx, err := m.store.CurrentIndex(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
