package fdpass

import "github.com/VictoriaMetrics/metrics"

const (
	metricConnects   = "fdpass_connects_total"
	metricReconnects = "fdpass_reconnects_total"
	metricSends      = "fdpass_sends_total"
	metricSendErrors = "fdpass_send_errors_total"
	metricBytesSent  = "fdpass_bytes_sent_total"
)

type stats struct {
	reconnects *metrics.Counter
	sends      *metrics.Counter
	sendErrors *metrics.Counter
	bytes      *metrics.Counter
}

func newStats(set *metrics.Set) *stats {
	return &stats{
		reconnects: set.GetOrCreateCounter(metricReconnects),
		sends:      set.GetOrCreateCounter(metricSends),
		sendErrors: set.GetOrCreateCounter(metricSendErrors),
		bytes:      set.GetOrCreateCounter(metricBytesSent),
	}
}
