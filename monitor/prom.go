package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "x402_facilitator_balance", Help: "Native token balances of facilitator settlement keys"},
		[]string{"account", "network", "denomination"},
	)
	promVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "x402_verifications_total", Help: "Payment verification requests by outcome"},
		[]string{"scheme", "network", "outcome"},
	)
	promSettlements = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "x402_settlements_total", Help: "Payment settlement requests by outcome"},
		[]string{"scheme", "network", "outcome"},
	)
)

// RecordVerification counts one verification result.
func RecordVerification(scheme, network string, valid bool) {
	promVerifications.WithLabelValues(scheme, network, outcomeLabel(valid)).Inc()
}

// RecordSettlement counts one settlement result.
func RecordSettlement(scheme, network string, success bool) {
	promSettlements.WithLabelValues(scheme, network, outcomeLabel(success)).Inc()
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (b *BalanceMonitor) updateProm(r BalanceReader, account string, bal float64) {
	promBalance.WithLabelValues(account, r.Network(), r.Denomination()).Set(bal)
}
