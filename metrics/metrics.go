package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mailverifier/smtpprobe"
	"mailverifier/verifier"
)

// Metrics holds the Prometheus collectors of the verification service.
type Metrics struct {
	Verifications   *prometheus.CounterVec
	Probes          *prometheus.CounterVec
	QuotaRejections prometheus.Counter
	ItemTimeouts    prometheus.Counter
	Jobs            *prometheus.CounterVec
	DNSLookups      *prometheus.CounterVec
	ProxiesLive     prometheus.Gauge
	ProxiesEvicted  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverifier_verifications_total",
			Help: "Addresses verified, by final status",
		}, []string{"status"}),
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverifier_smtp_probes_total",
			Help: "SMTP probes run, by outcome",
		}, []string{"outcome"}),
		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "mailverifier_quota_rejections_total",
			Help: "SMTP checks skipped because the daily quota was spent",
		}),
		ItemTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "mailverifier_item_timeouts_total",
			Help: "Verifications abandoned at the per-address timeout",
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverifier_jobs_total",
			Help: "Jobs finished, by terminal status",
		}, []string{"status"}),
		DNSLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverifier_dns_lookups_total",
			Help: "DNS cache lookups, by result",
		}, []string{"result"}),
		ProxiesLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailverifier_proxies_live",
			Help: "Proxies in the live rotation",
		}),
		ProxiesEvicted: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailverifier_proxies_evicted",
			Help: "Proxies evicted after repeated failures",
		}),
	}
}

func (m *Metrics) VerificationDone(status verifier.Status) {
	m.Verifications.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ProbeDone(outcome smtpprobe.Outcome) {
	m.Probes.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) QuotaRejected() {
	m.QuotaRejections.Inc()
}

func (m *Metrics) ItemTimedOut() {
	m.ItemTimeouts.Inc()
}

func (m *Metrics) JobFinished(status string) {
	m.Jobs.WithLabelValues(status).Inc()
}

// DNSLookup matches dnscache.Options.OnLookup.
func (m *Metrics) DNSLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.DNSLookups.WithLabelValues(result).Inc()
}

// ProxyPoolChanged matches proxypool.Options.OnChange.
func (m *Metrics) ProxyPoolChanged(live, evicted int) {
	m.ProxiesLive.Set(float64(live))
	m.ProxiesEvicted.Set(float64(evicted))
}
