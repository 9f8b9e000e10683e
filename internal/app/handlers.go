package app

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startHTTP serves health, status, metrics, and the reload verb.
func (a *Agent) startHTTP() {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/reload", a.handleReload).Methods(http.MethodPost)
	if a.settings.Metrics.Enabled {
		router.Handle(a.settings.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	addr := a.settings.Server.Host + ":" + strconv.Itoa(a.settings.Server.Port)
	a.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.WithField("addr", addr).Info("HTTP server started")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
}

func (a *Agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if a.Current() == nil {
		status = "no configuration active"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"goroutines": runtime.NumGoroutine(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Agent) handleStats(w http.ResponseWriter, _ *http.Request) {
	cfg := a.Current()
	out := map[string]interface{}{
		"session_id":    a.sessionID,
		"config_active": cfg != nil,
	}
	if cfg != nil {
		out["namespace"] = cfg.Namespace
		out["config_md5"] = cfg.MD5
		diags := cfg.Diags.Messages()
		summary := map[string]int{}
		for _, d := range diags {
			summary[d.Severity.String()]++
		}
		out["diagnostics"] = summary
	}
	if a.suppressor != nil {
		stats := a.suppressor.GetStats()
		out["dedup"] = map[string]int64{
			"checked":    stats.Checked,
			"duplicates": stats.Duplicates,
		}
	}
	out["eventhub_queues"] = a.runtime.EventHubs.QueueDepths()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (a *Agent) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := a.ReloadFromFile(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

