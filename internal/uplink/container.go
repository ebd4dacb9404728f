// Package uplink implements the Uplink Publisher (C7): it drains the
// durable Buffer and publishes each drained group to the message bus,
// deleting only once the broker has acknowledged receipt. A drained batch
// is grouped by topic and each group is encoded here into a single
// self-describing Avro Object Container File — an "ordered-records binary
// container with embedded schema" holding every record in the group — so a
// consumer can decode a published message without out-of-band access to
// the schema that produced it.
package uplink

import (
	"bytes"
	"fmt"

	"github.com/linkedin/goavro/v2"

	"github.com/berfenger/sunspec-collector/internal/telemetry"
)

// containerSchema describes one Observation: a sequence number, the
// wall-clock completion time, the device it came from, and every model
// reading taken that cycle. A FieldValue's NotImplemented/IsText/IsInt
// selector collapses onto the Avro union null/long/double/string, since
// Avro has no direct equivalent of Go's tagged struct.
const containerSchema = `
{
  "type": "record",
  "name": "Observation",
  "namespace": "sunspec.collector",
  "fields": [
    {"name": "sequence", "type": "long"},
    {"name": "timestamp_ms", "type": "long"},
    {"name": "device", "type": {
      "type": "record",
      "name": "DeviceAddress",
      "fields": [
        {"name": "host", "type": "string"},
        {"name": "port", "type": "int"},
        {"name": "unit_id", "type": "int"}
      ]
    }},
    {"name": "models", "type": {"type": "array", "items": {
      "type": "record",
      "name": "ModelReading",
      "fields": [
        {"name": "model_id", "type": "int"},
        {"name": "fields", "type": {"type": "map", "values": ["null", "long", "double", "string"]}}
      ]
    }}}
  ]
}`

// observationCodec encodes/decodes a single Observation record using
// containerSchema without the Object Container File framing. The Buffer
// stores one observation per row in this compact binary form; grouping into
// an OCF container happens only once per topic at drain time, in
// writeContainer.
var observationCodec, codecErr = goavro.NewCodec(containerSchema)

// EncodeRecord encodes one Observation to the compact Avro binary form the
// Buffer persists. It is the Ingest half of the unchanged
// drain/group/serialize/publish/delete-on-ack cycle: encoding happens here,
// at enqueue time, while the one-container-per-topic-group framing happens
// later, in the Publisher's drain loop.
func EncodeRecord(obs telemetry.Observation) ([]byte, error) {
	if codecErr != nil {
		return nil, fmt.Errorf("uplink: build observation codec: %w", codecErr)
	}
	return observationCodec.BinaryFromNative(nil, observationToNative(obs))
}

// decodeRecordNative reverses EncodeRecord, returning the Avro native value
// ready to append into a grouped container.
func decodeRecordNative(payload []byte) (interface{}, error) {
	if codecErr != nil {
		return nil, fmt.Errorf("uplink: build observation codec: %w", codecErr)
	}
	native, _, err := observationCodec.NativeFromBinary(payload)
	if err != nil {
		return nil, fmt.Errorf("uplink: decode buffered record: %w", err)
	}
	return native, nil
}

// writeContainer writes natives as one multi-record Avro Object Container
// File, in the order given. The Uplink Publisher calls this once per topic
// group drained from the Buffer, so one container becomes exactly one Kafka
// message regardless of how many records the group holds.
func writeContainer(natives []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      &buf,
		Schema: containerSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("uplink: create container writer: %w", err)
	}
	if err := writer.Append(natives); err != nil {
		return nil, fmt.Errorf("uplink: encode observation group: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeContainer writes every Observation in group as one multi-record
// Avro Object Container File, in the order given. Exercised directly by
// tests; the Publisher itself calls writeContainer on natives decoded back
// out of the Buffer.
func EncodeContainer(group []telemetry.Observation) ([]byte, error) {
	natives := make([]interface{}, 0, len(group))
	for _, obs := range group {
		natives = append(natives, observationToNative(obs))
	}
	return writeContainer(natives)
}

func observationToNative(obs telemetry.Observation) map[string]interface{} {
	models := make([]interface{}, 0, len(obs.Models))
	for _, m := range obs.Models {
		fields := make(map[string]interface{}, len(m.Fields))
		for name, fv := range m.Fields {
			fields[name] = fieldValueToUnion(fv)
		}
		models = append(models, map[string]interface{}{
			"model_id": int32(m.ModelID),
			"fields":   fields,
		})
	}

	return map[string]interface{}{
		"sequence":     int64(obs.Sequence),
		"timestamp_ms": obs.TimestampMs,
		"device": map[string]interface{}{
			"host":    obs.Device.Host,
			"port":    int32(obs.Device.Port),
			"unit_id": int32(obs.Device.UnitID),
		},
		"models": models,
	}
}

// fieldValueToUnion maps a decoded field onto the schema's
// null/long/double/string union, in that priority order: not-implemented
// wins first (regardless of what Number/Text happen to hold), then text,
// then integer for an unscaled raw reading, then double for a scaled
// engineering-unit value.
func fieldValueToUnion(fv telemetry.FieldValue) interface{} {
	if fv.NotImplemented {
		return nil
	}
	if fv.IsText {
		return map[string]interface{}{"string": fv.Text}
	}
	if fv.IsInt {
		return map[string]interface{}{"long": int64(fv.Number)}
	}
	return map[string]interface{}{"double": fv.Number}
}
