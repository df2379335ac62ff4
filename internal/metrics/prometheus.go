package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	counterName = "aero_signaling_relay_events_total"
	gaugeName   = "aero_signaling_relay_sessions"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric with an `event` label. When sessions is
// non-nil it is sampled on every scrape and exported as a gauge.
func PrometheusHandler(m *Metrics, sessions func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", counterName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", counterName)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", counterName, labelEscaper.Replace(k), snap[k])
		}

		if sessions != nil {
			_, _ = fmt.Fprintf(w, "# HELP %s Currently registered signaling sessions.\n", gaugeName)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", gaugeName)
			_, _ = fmt.Fprintf(w, "%s %d\n", gaugeName, sessions())
		}
	})
}
