package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Metrics holds application metrics for the Session Bridge and the
// downstream services it calls (Cal.com, the Agent WS signed-url endpoint).
type Metrics struct {
	mu sync.RWMutex

	// Session termination metrics, keyed by Session.terminate's reason.
	SessionTerminations map[string]int64

	// AMD classification metrics, keyed by amd.Classification.
	AMDClassifications map[string]int64

	// Service metrics
	ServiceCalls   map[string]int64
	ServiceErrors  map[string]int64
	ServiceLatency map[string][]time.Duration

	// Circuit breaker metrics
	CircuitBreakerState    map[string]string
	CircuitBreakerFailures map[string]int64

	// Start time
	StartTime time.Time
}

var globalMetrics = &Metrics{
	SessionTerminations:    make(map[string]int64),
	AMDClassifications:     make(map[string]int64),
	ServiceCalls:           make(map[string]int64),
	ServiceErrors:          make(map[string]int64),
	ServiceLatency:         make(map[string][]time.Duration),
	CircuitBreakerState:    make(map[string]string),
	CircuitBreakerFailures: make(map[string]int64),
	StartTime:              time.Now(),
}

// RecordSessionTerminal records the terminal reason a Session Bridge run
// ended with (e.g. "telco_stop", "agent_closed", "watchdog", "failed").
func RecordSessionTerminal(reason string) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.SessionTerminations[reason]++
}

// RecordAMDClassification records an answering-machine-detection result as
// it arrives from the Telco AMD webhook.
func RecordAMDClassification(classification string) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.AMDClassifications[classification]++
}

// RecordServiceCall records a service call
func RecordServiceCall(service string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.ServiceCalls[service]++
	if !success {
		globalMetrics.ServiceErrors[service]++
	}

	// Keep only last 100 latency measurements per service
	if len(globalMetrics.ServiceLatency[service]) >= 100 {
		globalMetrics.ServiceLatency[service] = globalMetrics.ServiceLatency[service][1:]
	}
	globalMetrics.ServiceLatency[service] = append(globalMetrics.ServiceLatency[service], latency)
}

// UpdateCircuitBreaker updates circuit breaker metrics
func UpdateCircuitBreaker(service, state string, failures int64) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.CircuitBreakerState[service] = state
	globalMetrics.CircuitBreakerFailures[service] = failures
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	serviceAvgLatency := make(map[string]float64)
	for service, latencies := range globalMetrics.ServiceLatency {
		if len(latencies) > 0 {
			var sum time.Duration
			for _, l := range latencies {
				sum += l
			}
			serviceAvgLatency[service] = sum.Seconds() / float64(len(latencies))
		}
	}

	uptime := time.Since(globalMetrics.StartTime)

	return map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),
		"sessions": map[string]interface{}{
			"terminations": globalMetrics.SessionTerminations,
		},
		"amd": map[string]interface{}{
			"classifications": globalMetrics.AMDClassifications,
		},
		"services": map[string]interface{}{
			"calls":               globalMetrics.ServiceCalls,
			"errors":              globalMetrics.ServiceErrors,
			"latency_avg_seconds": serviceAvgLatency,
		},
		"circuit_breakers": map[string]interface{}{
			"state":    globalMetrics.CircuitBreakerState,
			"failures": globalMetrics.CircuitBreakerFailures,
		},
	}
}

// GetPrometheusMetrics returns metrics in Prometheus format
func GetPrometheusMetrics() string {
	metrics := GetMetrics()
	var output string

	// Uptime
	output += "# HELP voicebridge_uptime_seconds Process uptime in seconds\n"
	output += "# TYPE voicebridge_uptime_seconds gauge\n"
	output += fmt.Sprintf("voicebridge_uptime_seconds %.2f\n", metrics["uptime_seconds"].(float64))

	// Session terminations
	sessions := metrics["sessions"].(map[string]interface{})
	terminations := sessions["terminations"].(map[string]int64)
	output += "# HELP voicebridge_session_terminations_total Session Bridge terminations by reason\n"
	output += "# TYPE voicebridge_session_terminations_total counter\n"
	for reason, count := range terminations {
		output += fmt.Sprintf("voicebridge_session_terminations_total{reason=\"%s\"} %d\n", reason, count)
	}

	// AMD classifications
	amd := metrics["amd"].(map[string]interface{})
	classifications := amd["classifications"].(map[string]int64)
	output += "# HELP voicebridge_amd_classifications_total Answering machine detection results\n"
	output += "# TYPE voicebridge_amd_classifications_total counter\n"
	for classification, count := range classifications {
		output += fmt.Sprintf("voicebridge_amd_classifications_total{classification=\"%s\"} %d\n", classification, count)
	}

	// Service calls
	services := metrics["services"].(map[string]interface{})
	serviceCalls := services["calls"].(map[string]int64)
	output += "# HELP voicebridge_service_calls_total Total calls per downstream service\n"
	output += "# TYPE voicebridge_service_calls_total counter\n"
	for service, count := range serviceCalls {
		output += fmt.Sprintf("voicebridge_service_calls_total{service=\"%s\"} %d\n", service, count)
	}

	return output
}
