package quicnet

import "github.com/hashicorp/go-metrics"

var (
	MetricConnEstCount           = []string{"parcelport", "quic", "connection", "established", "count"}
	MetricConnErrorCount         = []string{"parcelport", "quic", "connection", "error", "count"}
	MetricStreamEstInCount       = []string{"parcelport", "quic", "stream", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"parcelport", "quic", "stream", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"parcelport", "quic", "stream", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"parcelport", "quic", "stream", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"parcelport", "quic", "udp", "buffer", "size", "bytes"}
)

const (
	MLabelError    = "error"
	MLabelPeerAddr = "peer_addr"
	MLabelPeerName = "peer_name"
)

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}

func errorLabel(reason string) metrics.Label {
	return metrics.Label{Name: MLabelError, Value: reason}
}

func peerLabels(addr string, name Hostname) []metrics.Label {
	return []metrics.Label{
		{Name: MLabelPeerAddr, Value: addr},
		{Name: MLabelPeerName, Value: string(name)},
	}
}
