package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"audio-relay/work/broker"
	"audio-relay/work/config"
	"audio-relay/work/events"
	"audio-relay/work/logger"
	"audio-relay/work/middleware"
)

// StatusResponse is the admin view of the relay: the broker state plus
// process level figures.
type StatusResponse struct {
	broker.Status
	Version     string `json:"version"`
	Codec       string `json:"codec"`
	Uptime      string `json:"uptime"`
	MemoryUsage string `json:"memoryUsage"`
	Goroutines  int    `json:"goroutines"`
}

// LogEntry is one line of the admin activity log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

const maxLogEntries = 1000

var (
	adminStartTime = time.Now()

	logMu      sync.Mutex
	logEntries = make([]LogEntry, 0, maxLogEntries)
)

// setupAdminRoutes registers the admin API on router.
func setupAdminRoutes(router *mux.Router, b *broker.Broker, cfg *config.Config) {
	router.HandleFunc("/api/status", corsMiddleware(middleware.GzipMiddleware(handleGetStatus(b, cfg)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sessions", corsMiddleware(middleware.GzipMiddleware(handleGetSessions(b)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/sessions/{id}", corsMiddleware(middleware.GzipMiddleware(handleGetSession(b)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/stop", corsMiddleware(handleStop(b))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(middleware.GzipMiddleware(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(handleClearLogs)).Methods("DELETE", "OPTIONS")

	// websocket upgrade, never compressed
	router.HandleFunc("/api/events", events.Handler(b.Hub())).Methods("GET")

	addLogEntry("info", "Admin interface initialized")
}

// corsMiddleware allows browser dashboards on other origins to use the API.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		logger.Debug("{admin - corsMiddleware} %s %s", r.Method, r.URL.Path)
		next(w, r)
	}
}

func handleGetStatus(b *broker.Broker, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		status := StatusResponse{
			Status:      b.Status(),
			Version:     Version,
			Codec:       cfg.Codec,
			Uptime:      formatDuration(time.Since(adminStartTime)),
			MemoryUsage: formatBytes(int64(m.Alloc)),
			Goroutines:  runtime.NumGoroutine(),
		}

		if err := json.NewEncoder(w).Encode(status); err != nil {
			addLogEntry("error", fmt.Sprintf("Failed to encode status: %v", err))
			http.Error(w, "Failed to encode status", http.StatusInternalServerError)
		}
	}
}

func handleGetSessions(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(b.Sessions()); err != nil {
			addLogEntry("error", fmt.Sprintf("Failed to encode sessions: %v", err))
			http.Error(w, "Failed to encode sessions", http.StatusInternalServerError)
		}
	}
}

func handleGetSession(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		id := mux.Vars(r)["id"]
		res, ok := b.Session(id)
		if !ok {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}

		if err := json.NewEncoder(w).Encode(res); err != nil {
			http.Error(w, "Failed to encode session", http.StatusInternalServerError)
		}
	}
}

// handleStop has the same effect as a STOP command on the control
// connection. With no active session it answers 409 and changes nothing.
func handleStop(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !b.RequestStop() {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{
				"status":  "idle",
				"message": "No active session",
			})
			return
		}

		addLogEntry("info", "Stop requested via admin interface")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "stopping",
			"message": "Stop requested for the active session",
		})
	}
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logMu.Lock()
	entries := make([]LogEntry, len(logEntries))
	copy(entries, logEntries)
	logMu.Unlock()

	if err := json.NewEncoder(w).Encode(entries); err != nil {
		http.Error(w, "Failed to encode logs", http.StatusInternalServerError)
	}
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()
	addLogEntry("info", "Log entries cleared via admin interface")

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// addLogEntry appends to the activity log, keeping the newest entries.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()

	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}

// recordEvents copies broker lifecycle events into the activity log until
// ctx is done or the hub closes.
func recordEvents(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			level := "info"
			if ev.Type == events.TypeRejected || ev.Outcome == "failed" {
				level = "warn"
			}
			addLogEntry(level, describeEvent(ev))
		}
	}
}

func describeEvent(ev events.Event) string {
	switch ev.Type {
	case events.TypeClassified:
		return fmt.Sprintf("%s connection from %s", ev.Role, ev.Peer)
	case events.TypeRejected:
		return fmt.Sprintf("Stream from %s rejected: %s", ev.Peer, ev.Detail)
	case events.TypeSessionStarted:
		return fmt.Sprintf("Session %s started for %s", ev.SessionID, ev.Peer)
	case events.TypeSessionEnded:
		if ev.Detail != "" {
			return fmt.Sprintf("Session %s %s: %s", ev.SessionID, ev.Outcome, ev.Detail)
		}
		return fmt.Sprintf("Session %s %s", ev.SessionID, ev.Outcome)
	case events.TypeControlAttached:
		return fmt.Sprintf("Control connection from %s attached", ev.Peer)
	case events.TypeControlDetached:
		return fmt.Sprintf("Control connection from %s detached", ev.Peer)
	case events.TypeCommand:
		return fmt.Sprintf("Command %s from %s", ev.Detail, ev.Peer)
	default:
		return ev.Type
	}
}

// formatDuration renders an uptime in a compact human form.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

// formatBytes renders a byte count with binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
