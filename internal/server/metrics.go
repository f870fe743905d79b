package server

import (
	"errors"
	"net/http"
	"sort"

	"github.com/markus-barta/roomrelay/internal/telemetry"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type metricPoint struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value"`
}

// handleMetrics returns a snapshot of the relay counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rm, err := s.telemetry.Collect(r.Context())
	if errors.Is(err, telemetry.ErrDisabled) {
		writeError(w, http.StatusNotFound, "metrics_disabled")
		return
	}
	if err != nil {
		s.internalError(w, err, "failed to collect metrics")
		return
	}

	out := make(map[string][]metricPoint)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			points := make([]metricPoint, 0, len(sum.DataPoints))
			for _, dp := range sum.DataPoints {
				var attrs map[string]string
				for _, kv := range dp.Attributes.ToSlice() {
					if attrs == nil {
						attrs = make(map[string]string)
					}
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
				points = append(points, metricPoint{Attributes: attrs, Value: dp.Value})
			}
			sort.Slice(points, func(i, j int) bool { return points[i].Value > points[j].Value })
			out[m.Name] = points
		}
	}
	writeJSON(w, http.StatusOK, out)
}
