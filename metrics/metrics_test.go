package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"mailverifier/smtpprobe"
	"mailverifier/verifier"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.VerificationDone(verifier.StatusValid)
	m.VerificationDone(verifier.StatusValid)
	m.VerificationDone(verifier.StatusRisky)
	m.ProbeDone(smtpprobe.Rejected)
	m.QuotaRejected()
	m.ItemTimedOut()
	m.JobFinished("COMPLETED")
	m.DNSLookup(true)
	m.DNSLookup(false)
	m.DNSLookup(false)
	m.ProxyPoolChanged(7, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Verifications.WithLabelValues("VALID")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("RISKY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Probes.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DNSLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DNSLookups.WithLabelValues("miss")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ProxiesLive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProxiesEvicted))
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
