package metrics

import (
	"time"

	obserrors "github.com/target/dispatchd/internal/observability/errors"
	"github.com/target/dispatchd/internal/observability/statsd"
)

// DeliveryMetric describes the outcome of one message send.
type DeliveryMetric struct {
	PathType string
	// Outcome is sent, transient, permanent or skipped.
	Outcome  string
	Duration time.Duration
	Err      error
}

// EmitDelivery emits delivery.attempt and, when timed, delivery.duration.
func EmitDelivery(sink statsd.Sink, in DeliveryMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"path_type": in.PathType,
		"outcome":   in.Outcome,
	}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count("delivery.attempt", 1, tags)
	if in.Duration > 0 {
		sink.Timing("delivery.duration", in.Duration, CloneTags(tags))
	}
}

// EmitCleanup reports rows removed by one reaper step.
func EmitCleanup(sink statsd.Sink, operation string, removed int64, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	sink.Count("reaper.cleanup", removed, map[string]string{
		"operation": operation,
		"result":    result,
	})
}
