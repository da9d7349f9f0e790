package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts asset ledger activity seen by the custody node.
type LedgerMetrics struct {
	events *prometheus.CounterVec
}

var (
	ledgerOnce    sync.Once
	ledgerMetrics *LedgerMetrics
)

// Ledger returns the process-wide asset ledger metrics.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerMetrics = &LedgerMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "offerbook",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Asset ledger mints and transfers by asset kind and contract.",
			}, []string{"event", "kind", "contract"}),
		}
		prometheus.MustRegister(ledgerMetrics.events)
	})
	return ledgerMetrics
}

// RecordAssetEvent counts one ledger event. The "assets." prefix is dropped
// from the event label and missing labels become "unknown".
func (m *LedgerMetrics) RecordAssetEvent(eventType, kind, contract string) {
	if m == nil {
		return
	}
	event := strings.TrimPrefix(eventType, "assets.")
	m.events.WithLabelValues(labelOrUnknown(event), labelOrUnknown(kind), labelOrUnknown(contract)).Inc()
}

func labelOrUnknown(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
