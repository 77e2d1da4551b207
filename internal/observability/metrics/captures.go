package metrics

import (
	"strconv"
	"time"

	obserrors "github.com/mailcanary/mailcanary/internal/observability/errors"
	"github.com/mailcanary/mailcanary/internal/observability/statsd"
)

// CaptureMetric captures details about a single screenshot capture unit.
type CaptureMetric struct {
	ClientID string
	Mode     string
	Result   string
	Attempts int
	Duration time.Duration
	Err      error
}

// EmitCaptureUnit emits standardised capture fan-out metrics.
func EmitCaptureUnit(sink statsd.Sink, in CaptureMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"client": in.ClientID,
		"mode":   in.Mode,
		"result": in.Result,
	}
	if in.Attempts > 0 {
		tags["attempts"] = strconv.Itoa(in.Attempts)
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("capture.unit", 1, tags)

	if in.Duration > 0 {
		sink.Timing("capture.duration", in.Duration, CloneTags(tags))
	}
}
