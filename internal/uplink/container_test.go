package uplink

import (
	"bytes"
	"testing"

	"github.com/linkedin/goavro/v2"

	"github.com/berfenger/sunspec-collector/internal/telemetry"
)

func sampleObservation() telemetry.Observation {
	return telemetry.Observation{
		Sequence:    42,
		TimestampMs: 1700000000000,
		Device:      telemetry.DeviceAddress{Host: "10.0.0.5", Port: 502, UnitID: 1},
		Models: []telemetry.ModelReading{
			{
				ModelID: 103,
				Fields: map[string]telemetry.FieldValue{
					"W":  {Number: 1234.5},
					"Mn": {IsText: true, Text: "Acme"},
					"Hz": {NotImplemented: true},
				},
			},
		},
	}
}

func TestEncodeContainer_RoundTrips(t *testing.T) {
	obs := sampleObservation()
	second := obs
	second.Sequence = 43

	payload, err := EncodeContainer([]telemetry.Observation{obs, second})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("expected non-empty container")
	}

	reader, err := goavro.NewOCFReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("open container: %v", err)
	}

	var decoded []interface{}
	for reader.Scan() {
		v, err := reader.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		decoded = append(decoded, v)
	}
	if err := reader.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected exactly two records in the group's container, got %d", len(decoded))
	}

	rec, ok := decoded[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a record map, got %T", decoded[0])
	}
	if rec["sequence"] != int64(42) {
		t.Errorf("sequence = %v", rec["sequence"])
	}
	device, ok := rec["device"].(map[string]interface{})
	if !ok || device["host"] != "10.0.0.5" {
		t.Errorf("device = %+v", rec["device"])
	}

	rec2, ok := decoded[1].(map[string]interface{})
	if !ok || rec2["sequence"] != int64(43) {
		t.Errorf("second record sequence = %+v", rec2)
	}
}

func TestFieldValueToUnion_NotImplementedWinsOverOtherFields(t *testing.T) {
	fv := telemetry.FieldValue{NotImplemented: true, IsText: true, Text: "ignored", Number: 1}
	if fieldValueToUnion(fv) != nil {
		t.Error("expected not-implemented field to encode as Avro null")
	}
}

func TestFieldValueToUnion_Text(t *testing.T) {
	got := fieldValueToUnion(telemetry.FieldValue{IsText: true, Text: "Acme"})
	m, ok := got.(map[string]interface{})
	if !ok || m["string"] != "Acme" {
		t.Errorf("got %#v", got)
	}
}

func TestFieldValueToUnion_Number(t *testing.T) {
	got := fieldValueToUnion(telemetry.FieldValue{Number: 99.5})
	m, ok := got.(map[string]interface{})
	if !ok || m["double"] != 99.5 {
		t.Errorf("got %#v", got)
	}
}

func TestFieldValueToUnion_Int(t *testing.T) {
	got := fieldValueToUnion(telemetry.FieldValue{Number: 7, IsInt: true})
	m, ok := got.(map[string]interface{})
	if !ok || m["long"] != int64(7) {
		t.Errorf("got %#v", got)
	}
}
