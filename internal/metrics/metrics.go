package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	hitsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgeward_hits_ingested_total",
		Help: "Total number of access log lines aggregated",
	})
	parseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgeward_log_parse_errors_total",
		Help: "Total number of access log lines that could not be parsed",
	})
	violationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeward_violations_total",
		Help: "Security violations detected in the access log, by kind",
	}, []string{"kind"})
	jailsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgeward_jails_issued_total",
		Help: "Total number of jails issued or extended",
	})
	jailsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgeward_jails_expired_total",
		Help: "Total number of firewall rules released by the scheduler",
	})
	configAppliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeward_config_applies_total",
		Help: "Edge proxy config applies, by result",
	}, []string{"result"})
	certRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeward_certificate_requests_total",
		Help: "Certificate issuance attempts, by challenge and result",
	}, []string{"challenge", "result"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		hitsIngestedTotal,
		parseErrorsTotal,
		violationsTotal,
		jailsIssuedTotal,
		jailsExpiredTotal,
		configAppliesTotal,
		certRequestsTotal,
	)
}

// IncHitIngested increments the aggregated hits counter.
func IncHitIngested() { hitsIngestedTotal.Inc() }

// IncParseError increments the unparseable lines counter.
func IncParseError() { parseErrorsTotal.Inc() }

// IncViolation counts a detected violation of the given kind.
func IncViolation(kind string) { violationsTotal.WithLabelValues(kind).Inc() }

// IncJailIssued increments the jails counter.
func IncJailIssued() { jailsIssuedTotal.Inc() }

// IncJailExpired increments the released rules counter.
func IncJailExpired() { jailsExpiredTotal.Inc() }

// IncConfigApply counts an apply with result "success" or the failing stage.
func IncConfigApply(result string) { configAppliesTotal.WithLabelValues(result).Inc() }

// IncCertRequest counts a certificate request outcome.
func IncCertRequest(challenge, result string) {
	certRequestsTotal.WithLabelValues(challenge, result).Inc()
}
