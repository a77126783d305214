// Package metrics exposes replication metrics and the localhost debug server.
package metrics

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-connection labels to prevent DoS)
var (
	// Adapter loop metrics
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replica_tick_duration_seconds",
		Help:    "Time spent in one adapter tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
	})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replica_connections_active",
		Help: "Currently connected processes",
	})

	objectsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replica_objects_live",
		Help: "Registered replicated objects",
	})

	// Wire metrics - command is a small integer, direction is "in" or "out"
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_messages_total",
		Help: "Envelopes sent and received",
	}, []string{"direction", "command"})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_bytes_total",
		Help: "Envelope bytes sent and received",
	}, []string{"direction"})

	initBatchObjects = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replica_init_batch_objects",
		Help:    "Objects carried by one init batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
	})

	// Protocol failure metrics
	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_decode_failures_total",
		Help: "Messages that failed to decode",
	})

	validationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_validation_failures_total",
		Help: "Remote calls refused by argument or return validation",
	})

	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_disconnects_total",
		Help: "Connections ended, by reason",
	}, []string{"reason"}) // Bounded: "closed", "decode", "validation", "oversize", "write", "protocol"

	// Return metrics
	pendingReturns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replica_pending_returns",
		Help: "Outstanding remote returns",
	})

	returnTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_return_timeouts_total",
		Help: "Remote returns rejected after timing out",
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_limit", "ip_limit"
)

// DebugConfig configures the debug server
type DebugConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be "127.0.0.1:6060" in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultDebugConfig returns safe defaults
func DefaultDebugConfig() DebugConfig {
	return DebugConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// NewDebugMux builds the pprof, metrics and health handler
func NewDebugMux() *http.ServeMux {
	mux := http.NewServeMux()

	// pprof endpoints for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartDebugServer starts the internal observability server
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS
func StartDebugServer(cfg DebugConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		// Only allow external binding if explicitly enabled via env
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	var handler http.Handler = NewDebugMux()
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, handler)
	}

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordTick records tick timing for metrics
func RecordTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

// UpdateConnections updates the connected process gauge
func UpdateConnections(count int) {
	connectionsActive.Set(float64(count))
}

// UpdateObjects updates the live object gauge
func UpdateObjects(count int) {
	objectsLive.Set(float64(count))
}

// RecordMessage counts one envelope. direction must be "in" or "out".
func RecordMessage(direction string, command, size int) {
	messagesTotal.WithLabelValues(direction, strconv.Itoa(command)).Inc()
	bytesTotal.WithLabelValues(direction).Add(float64(size))
}

// RecordInitBatch records the size of one init batch
func RecordInitBatch(objects int) {
	initBatchObjects.Observe(float64(objects))
}

// RecordDecodeFailure increments the decode failure counter
func RecordDecodeFailure() {
	decodeFailures.Inc()
}

// RecordValidationFailure increments the validation failure counter
func RecordValidationFailure() {
	validationFailures.Inc()
}

// RecordDisconnect counts an ended connection.
// reason must be one of: "closed", "decode", "validation", "oversize", "write", "protocol"
func RecordDisconnect(reason string) {
	disconnects.WithLabelValues(reason).Inc()
}

// UpdatePendingReturns updates the outstanding return gauge
func UpdatePendingReturns(count int) {
	pendingReturns.Set(float64(count))
}

// RecordReturnTimeouts counts rejected returns
func RecordReturnTimeouts(count int) {
	returnTimeouts.Add(float64(count))
}

// RecordConnectionRejected increments the rejection counter
// reason must be one of: "rate_limit", "origin", "ws_limit", "ip_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}
