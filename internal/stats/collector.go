package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/solatis/paybridge/internal/types"
)

const ns = "paybridge"

var (
	descMessages = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "stats", "messages"),
		"Messages counted since the last statistics flush",
		[]string{"type", "version", "protocol"}, nil,
	)
	descStatus = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "stats", "status_messages"),
		"Messages counted per status since the last statistics flush",
		[]string{"status", "protocol"}, nil,
	)
	descMerchant = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "stats", "merchant_messages"),
		"Messages counted per merchant since the last statistics flush",
		[]string{"merchant"}, nil,
	)
	descPeakTPS = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "stats", "peak_tps"),
		"Peak messages per second over a sampling period",
		nil, nil,
	)
	descAverageTPS = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "stats", "average_tps"),
		"Average messages per second since the last statistics flush",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (e *Engine) Describe(ch chan<- *prometheus.Desc) {
	ch <- descMessages
	ch <- descStatus
	ch <- descMerchant
	ch <- descPeakTPS
	ch <- descAverageTPS
}

// Collect implements prometheus.Collector. Values reset on flush, so they
// are exported as gauges.
func (e *Engine) Collect(ch chan<- prometheus.Metric) {
	protocols := append(types.Protocols(), types.ProtocolAll)

	for _, k := range e.keys {
		t, err := e.total.Query("", k.Type, k.Version)
		if err != nil {
			continue
		}
		for _, p := range protocols {
			ch <- prometheus.MustNewConstMetric(descMessages, prometheus.GaugeValue, float64(t[p]), k.Type, k.Version, string(p))
		}
	}

	for _, s := range e.Statuses() {
		t, err := e.status.Query(s, AllTypes, "")
		if err != nil {
			continue
		}
		for _, p := range protocols {
			ch <- prometheus.MustNewConstMetric(descStatus, prometheus.GaugeValue, float64(t[p]), s, string(p))
		}
	}

	for _, m := range e.merchants.Merchants() {
		t, err := e.merchants.Query(m, AllTypes, "")
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(descMerchant, prometheus.GaugeValue, float64(t.All()), m)
	}

	th := e.perf.Throughput()
	ch <- prometheus.MustNewConstMetric(descPeakTPS, prometheus.GaugeValue, th.PeakTPS)
	ch <- prometheus.MustNewConstMetric(descAverageTPS, prometheus.GaugeValue, th.AverageTPS)
}
