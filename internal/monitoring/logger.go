package monitoring

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	anomalyMu sync.Mutex
	anomalies = map[string]uint64{}
)

// Anomalyf logs a protocol anomaly under the given kind and bumps the counter
// for that kind. Anomalies are expected under capture loss, so they are never
// returned as errors.
func Anomalyf(kind, format string, v ...interface{}) {
	anomalyMu.Lock()
	anomalies[kind]++
	anomalyMu.Unlock()
	Logf("anomaly[%s]: %s", kind, fmt.Sprintf(format, v...))
}

// Anomalies returns a copy of the anomaly counters keyed by kind.
func Anomalies() map[string]uint64 {
	anomalyMu.Lock()
	defer anomalyMu.Unlock()
	out := make(map[string]uint64, len(anomalies))
	for k, v := range anomalies {
		out[k] = v
	}
	return out
}

// AnomalyKinds returns the recorded anomaly kinds in sorted order.
func AnomalyKinds() []string {
	counts := Anomalies()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ResetAnomalies clears all anomaly counters.
func ResetAnomalies() {
	anomalyMu.Lock()
	defer anomalyMu.Unlock()
	anomalies = map[string]uint64{}
}
