package metrics

import (
	"context"
	"crop-ledger/internal/models"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crop_ledger"

// LedgerCollector exposes ledger activity to Prometheus. It doubles as a
// host event sink so every committed event is counted.
type LedgerCollector struct {
	events        *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	openContracts prometheus.Gauge
	openSize      prometheus.Gauge
	minimumAmount prometheus.Gauge
	poolBalance   prometheus.Gauge
}

func NewLedgerCollector(reg prometheus.Registerer) *LedgerCollector {
	c := &LedgerCollector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed ledger events by event name.",
		}, []string{"event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_calls_total",
			Help:      "Rejected ledger calls by operation and error code.",
		}, []string{"operation", "code"}),
		openContracts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_contracts",
			Help:      "Policies in registered, validated or insured state.",
		}),
		openSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_size",
			Help:      "Total area covered by open policies.",
		}),
		minimumAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "minimum_amount_ether",
			Help:      "Liquidity the insurance pool must hold, in ether.",
		}),
		poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_balance_ether",
			Help:      "Balance held by the insurance contract, in ether.",
		}),
	}
	reg.MustRegister(c.events, c.rejected, c.openContracts, c.openSize, c.minimumAmount, c.poolBalance)
	return c
}

// Publish counts committed events.
func (c *LedgerCollector) Publish(_ context.Context, events []models.Event) error {
	for _, ev := range events {
		c.events.WithLabelValues(string(ev.Name)).Inc()
	}
	return nil
}

func (c *LedgerCollector) CallRejected(operation string, err error) {
	c.rejected.WithLabelValues(operation, models.ErrorCode(err)).Inc()
}

// ObserveBook records the current exposure of the insurance pool.
func (c *LedgerCollector) ObserveBook(openContracts, openSize uint64, minimum, balance *big.Int) {
	c.openContracts.Set(float64(openContracts))
	c.openSize.Set(float64(openSize))
	c.minimumAmount.Set(toEther(minimum))
	c.poolBalance.Set(toEther(balance))
}

func toEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether)).Float64()
	return f
}
