package observability

import "github.com/prometheus/client_golang/prometheus"

// StockMetrics mencatat hasil operasi engine stok.
type StockMetrics struct {
	postings     *prometheus.CounterVec
	moves        *prometheus.CounterVec
	reservations *prometheus.CounterVec
	drift        prometheus.Gauge
}

// NewStockMetrics mendaftarkan metrik engine stok pada registerer.
func NewStockMetrics(registerer prometheus.Registerer) *StockMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_stock_postings_total",
		Help: "Jumlah operasi post/cancel/void dokumen berdasarkan tipe dan hasil.",
	}, []string{"operation", "doc_type", "outcome"})
	moves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_stock_moves_total",
		Help: "Jumlah baris ledger yang ditulis per operasi.",
	}, []string{"operation"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_stock_reservations_total",
		Help: "Jumlah operasi reservasi berdasarkan hasil.",
	}, []string{"operation", "outcome"})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_stock_ledger_drift_rows",
		Help: "Jumlah saldo yang tidak cocok dengan ledger pada rekonsiliasi terakhir.",
	})
	registerer.MustRegister(postings, moves, reservations, drift)
	return &StockMetrics{postings: postings, moves: moves, reservations: reservations, drift: drift}
}

// ObservePosting records one engine transaction.
func (m *StockMetrics) ObservePosting(operation, docType, outcome string, moves int) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(operation, docType, outcome).Inc()
	if moves > 0 {
		m.moves.WithLabelValues(operation).Add(float64(moves))
	}
}

// ObserveReservation records one reservation operation.
func (m *StockMetrics) ObserveReservation(operation, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(operation, outcome).Inc()
}

// SetLedgerDrift publishes the drift count of the last reconciliation.
func (m *StockMetrics) SetLedgerDrift(count int) {
	if m == nil {
		return
	}
	m.drift.Set(float64(count))
}

