package sunspec

import "fmt"

// SunSIdentifier is the two-register "SunS" marker that must appear at the
// base address before any model block. Its presence is the cheapest
// possible probe for "this host speaks SunSpec" and is used unchanged by
// discovery to qualify a candidate address.
const (
	sunSID0 = 0x5375
	sunSID1 = 0x6e53
)

// EndModelID terminates the well-known model list. A device that never
// emits it is walked until MaxSurveyBlocks is hit.
const EndModelID = 0xFFFF

// MaxSurveyBlocks bounds the header walk so a misbehaving device (or a
// non-SunSpec host that happens to pass the sentinel probe) cannot hang
// discovery forever.
const MaxSurveyBlocks = 20

// Block identifies one model instance found during a header walk: its model
// id, the base register address of its first data register (immediately
// after the id/length pair), and its declared length in registers.
type Block struct {
	ModelID uint16
	Address uint16
	Length  uint16
}

// RegisterSource reads a contiguous span of holding registers starting at
// addr. Implementations wrap whatever Modbus transport is in use; Survey
// only ever requests small, sequential spans.
type RegisterSource interface {
	ReadHoldingRegisters(addr uint16, count uint16) ([]uint16, error)
}

// VerifySunSID reads regCount registers starting at baseAddr and reports
// whether the first two hold the SunSpec marker. Discovery's probe reads
// the full configured discovery_reg_count span so that a device requiring
// a minimum PDU size to respond at all still gets a fair probe; only the
// leading two registers are ever checked against the sentinel. regCount
// below 2 is treated as 2, since the marker itself needs that much.
func VerifySunSID(src RegisterSource, baseAddr uint16, regCount uint16) (bool, error) {
	if regCount < 2 {
		regCount = 2
	}
	regs, err := src.ReadHoldingRegisters(baseAddr, regCount)
	if err != nil {
		return false, err
	}
	return len(regs) >= 2 && regs[0] == sunSID0 && regs[1] == sunSID1, nil
}

// Survey walks the well-known SunSpec model list starting immediately after
// the "SunS" marker at baseAddr, returning one Block per model instance in
// declaration order. The walk stops at EndModelID, at MaxSurveyBlocks, or at
// the first read error, whichever comes first; a read error aborts the
// whole survey since a partial model list is not useful to callers.
func Survey(src RegisterSource, baseAddr uint16) ([]Block, error) {
	ok, err := VerifySunSID(src, baseAddr, 2)
	if err != nil {
		return nil, fmt.Errorf("survey: reading SunS marker: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("survey: no SunS marker at address %d", baseAddr)
	}

	var blocks []Block
	addr := baseAddr + 2

	for i := 0; i < MaxSurveyBlocks; i++ {
		header, err := src.ReadHoldingRegisters(addr, 2)
		if err != nil {
			return nil, fmt.Errorf("survey: reading block header at %d: %w", addr, err)
		}
		if len(header) != 2 {
			return nil, fmt.Errorf("survey: short block header at %d", addr)
		}

		modelID := header[0]
		length := header[1]
		if modelID == EndModelID {
			return blocks, nil
		}

		blocks = append(blocks, Block{
			ModelID: modelID,
			Address: addr + 2,
			Length:  length,
		})
		addr += length + 2
	}
	return nil, fmt.Errorf("survey: exceeded %d blocks without terminator at address %d", MaxSurveyBlocks, baseAddr)
}
