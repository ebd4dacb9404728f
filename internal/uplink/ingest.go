package uplink

import (
	"context"

	"go.uber.org/zap"

	"github.com/berfenger/sunspec-collector/internal/buffer"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
)

// Ingest reads every Observation the Supervisor's Device Actors emit,
// encodes it into its compact Avro binary form, and enqueues it in the
// durable Buffer under topic. The Publisher groups and frames these records
// into an Object Container File per topic at drain time, so only one
// observation's worth of encoding happens here. It returns nil once in is
// closed — the Supervisor closes the telemetry channel only after every
// Device Actor has exited, so return here means the collector has nothing
// further to buffer — and returns ctx's error if ctx is cancelled first.
func Ingest(ctx context.Context, in <-chan telemetry.Observation, buf *buffer.Buffer, topic string, logger *zap.Logger) error {
	for {
		select {
		case obs, ok := <-in:
			if !ok {
				return nil
			}
			payload, err := EncodeRecord(obs)
			if err != nil {
				logger.Error("failed to encode observation, dropping", zap.String("device", obs.Device.String()), zap.Error(err))
				continue
			}
			if _, err := buf.Enqueue(ctx, topic, payload); err != nil {
				logger.Error("failed to enqueue observation", zap.String("device", obs.Device.String()), zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
