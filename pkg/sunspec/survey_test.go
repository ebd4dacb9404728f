package sunspec

import "testing"

// fakeRegisterSource serves canned register responses keyed by starting
// address, the way a real device's response would be keyed by the request
// that produced it.
type fakeRegisterSource struct {
	responses map[uint16][]uint16
	err       error
}

func (f *fakeRegisterSource) ReadHoldingRegisters(addr uint16, count uint16) ([]uint16, error) {
	if f.err != nil {
		return nil, f.err
	}
	regs, ok := f.responses[addr]
	if !ok {
		return nil, errNoSuchAddress(addr)
	}
	if int(count) > len(regs) {
		count = uint16(len(regs))
	}
	return regs[:count], nil
}

type errNoSuchAddress uint16

func (e errNoSuchAddress) Error() string { return "fake: no response configured" }

func TestSurvey_WalksUntilEndMarker(t *testing.T) {
	src := &fakeRegisterSource{responses: map[uint16][]uint16{
		40000: {sunSID0, sunSID1},
		40002: {1, 66},     // common model, length 66
		40070: {101, 50},   // inverter model, length 50
		40122: {0xFFFF, 0}, // terminator
	}}

	blocks, err := Survey(src, 40000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].ModelID != 1 || blocks[0].Address != 40004 || blocks[0].Length != 66 {
		t.Errorf("block 0 = %+v", blocks[0])
	}
	if blocks[1].ModelID != 101 || blocks[1].Address != 40072 || blocks[1].Length != 50 {
		t.Errorf("block 1 = %+v", blocks[1])
	}
}

func TestSurvey_RejectsMissingSentinel(t *testing.T) {
	src := &fakeRegisterSource{responses: map[uint16][]uint16{
		40000: {0x1234, 0x5678},
	}}

	if _, err := Survey(src, 40000); err == nil {
		t.Fatal("expected error when SunS marker is absent")
	}
}

func TestSurvey_AbortsOnReadError(t *testing.T) {
	src := &fakeRegisterSource{err: errNoSuchAddress(0)}

	if _, err := Survey(src, 40000); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestVerifySunSID(t *testing.T) {
	src := &fakeRegisterSource{responses: map[uint16][]uint16{
		40000: {sunSID0, sunSID1},
		50000: {0, 0},
	}}

	ok, err := VerifySunSID(src, 40000, 200)
	if err != nil || !ok {
		t.Fatalf("expected true, nil; got %v, %v", ok, err)
	}

	ok, err = VerifySunSID(src, 50000, 200)
	if err != nil || ok {
		t.Fatalf("expected false, nil; got %v, %v", ok, err)
	}
}

func TestVerifySunSID_RegCountBelowTwoTreatedAsTwo(t *testing.T) {
	src := &fakeRegisterSource{responses: map[uint16][]uint16{
		40000: {sunSID0, sunSID1},
	}}

	ok, err := VerifySunSID(src, 40000, 0)
	if err != nil || !ok {
		t.Fatalf("expected true, nil; got %v, %v", ok, err)
	}
}
