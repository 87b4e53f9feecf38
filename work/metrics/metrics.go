package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectionsClassified counts accepted connections by the role the
// classifier assigned them ("stream", "control" or "unrecognized").
var ConnectionsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audio_relay_connections_classified_total",
	Help: "Accepted connections by assigned role",
}, []string{"role"})

// HandshakesDropped counts connections closed before classification because
// the handshake pool was saturated or the broker was shutting down.
var HandshakesDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "audio_relay_handshakes_dropped_total",
	Help: "Connections dropped before classification",
})

// Admissions counts stream admission decisions ("admitted" or "rejected").
var Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audio_relay_admissions_total",
	Help: "Stream admission decisions",
}, []string{"result"})

// SessionsEnded counts finished streaming sessions by outcome
// ("drained", "stopped", "failed").
var SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audio_relay_sessions_ended_total",
	Help: "Finished streaming sessions by outcome",
}, []string{"outcome"})

// SessionActive is 1 while a streaming worker runs.
var SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "audio_relay_session_active",
	Help: "Whether a streaming session is active",
})

// BlocksRendered counts decoded units handed to the audio sink.
var BlocksRendered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "audio_relay_blocks_rendered_total",
	Help: "Decoded sample blocks rendered",
})

// FormatChanges counts sink reopens caused by decoder format changes.
var FormatChanges = promauto.NewCounter(prometheus.CounterOpts{
	Name: "audio_relay_format_changes_total",
	Help: "Audio sink reopens after a format change",
})

// ControlCommands counts control channel reads by matched command;
// unmatched reads are counted as "ignored".
var ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audio_relay_control_commands_total",
	Help: "Control channel commands",
}, []string{"command"})

// CompletionNotices counts completion token writes by result ("sent", "failed").
var CompletionNotices = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audio_relay_completion_notices_total",
	Help: "Completion notices written to the control channel",
}, []string{"result"})
