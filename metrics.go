package parcelport

import (
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricParcelOutCount         = []string{"parcelport", "parcel", "out", "count"}
	MetricParcelOutBytes         = []string{"parcelport", "parcel", "out", "bytes"}
	MetricParcelInCount          = []string{"parcelport", "parcel", "in", "count"}
	MetricParcelInBytes          = []string{"parcelport", "parcel", "in", "bytes"}
	MetricParcelInErrorCount     = []string{"parcelport", "parcel", "in", "error", "count"}
	MetricParcelPendingCount     = []string{"parcelport", "parcel", "pending", "count"}
	MetricBatchSize              = []string{"parcelport", "batch", "size"}
	MetricWriteDurationMs        = []string{"parcelport", "write", "duration", "ms"}
	MetricWriteErrorCount        = []string{"parcelport", "write", "error", "count"}
	MetricReadDurationMs         = []string{"parcelport", "read", "duration", "ms"}
	MetricReadErrorCount         = []string{"parcelport", "read", "error", "count"}
	MetricConnEstCount           = []string{"parcelport", "connection", "established", "count"}
	MetricConnErrorCount         = []string{"parcelport", "connection", "error", "count"}
	MetricConnRetryCount         = []string{"parcelport", "connection", "retry", "count"}
	MetricConnAcceptCount        = []string{"parcelport", "connection", "accepted", "count"}
	MetricConnAcceptErrorCount   = []string{"parcelport", "connection", "accept", "error", "count"}
	MetricCacheIdleCount         = []string{"parcelport", "cache", "idle", "count"}
	MetricCacheEvictionCount     = []string{"parcelport", "cache", "eviction", "count"}
	MetricGossipMemberCount      = []string{"parcelport", "gossip", "member", "count"}
	MetricGossipInvalidTagsCount = []string{"parcelport", "gossip", "invalid", "tags", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelLocality  TelemetryLabel = "locality"
	LabelEndpoint  TelemetryLabel = "endpoint"
	LabelAction    TelemetryLabel = "action"
	LabelPhase     TelemetryLabel = "phase"
	LabelDuration  TelemetryLabel = "duration"
	LabelBatchSize TelemetryLabel = "batch_size"
	LabelParcelID  TelemetryLabel = "parcel_id"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// LabelsForLocality returns the metric labels identifying a destination.
func LabelsForLocality(id LocalityID) []metrics.Label {
	return []metrics.Label{LabelLocality.M(strconv.FormatUint(uint64(id), 10))}
}

// withLabels returns a fresh slice, `base` is never appended to in place.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
