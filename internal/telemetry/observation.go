// Package telemetry holds the collector's wire-independent data model: the
// device address identifying one polling target, and the Observation one
// Device Actor emits per successful polling cycle.
package telemetry

import (
	"fmt"
	"sync/atomic"
)

// DeviceAddress identifies one polling target. It is immutable for the
// lifetime of the Device Actor that owns it.
type DeviceAddress struct {
	Host   string
	Port   uint16
	UnitID uint8
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s:%d#%d", a.Host, a.Port, a.UnitID)
}

// FieldValue is one decoded field's final, reportable value. Exactly one of
// Number/Text is meaningful, selected by IsText; a sentinel-valued raw
// register surfaces as NotImplemented with neither set. IsInt marks a
// Number that came from an unscaled integer register (an enum, bitfield,
// count, or raw scale-factor field) rather than a scaled engineering-unit
// reading, so downstream encoding can carry it as an exact integer instead
// of a float.
type FieldValue struct {
	NotImplemented bool
	IsText         bool
	IsInt          bool
	Number         float64
	Text           string
}

// ModelReading is one model instance's decoded fields, keyed by field name,
// from a single polling cycle.
type ModelReading struct {
	ModelID uint16
	Fields  map[string]FieldValue
}

// Observation is one immutable emission from a Device Actor for one polling
// cycle: a process-wide monotonic sequence number, the wall-clock time the
// cycle completed, the device it came from, and every model read that
// cycle.
type Observation struct {
	Sequence    uint64
	TimestampMs int64
	Device      DeviceAddress
	Models      []ModelReading
}

// SequenceSource issues monotonically increasing sequence numbers shared
// across every Device Actor in the process. A single process-wide counter,
// rather than one per actor, is what lets a downstream consumer detect a
// gap in the combined stream regardless of which device produced which
// observation; per-actor counters would reset independently on a restart
// and make cross-device gaps indistinguishable from a single device's own
// restart.
type SequenceSource struct {
	counter atomic.Uint64
}

// NewSequenceSource returns a SequenceSource starting at 1; 0 is reserved
// so a zero-value Observation is recognizable as not-yet-sequenced.
func NewSequenceSource() *SequenceSource {
	s := &SequenceSource{}
	s.counter.Store(0)
	return s
}

// Next returns the next sequence number. Safe for concurrent use by every
// Device Actor in the process.
func (s *SequenceSource) Next() uint64 {
	return s.counter.Add(1)
}
