package guestmem

import "testing"

func newTestMemory(size int) (*Memory, []byte) {
	backing := make([]byte, size)
	return New([]Region{{GuestBase: 0x1000, HostBase: backing}}), backing
}

func TestRegionForAndSlice(t *testing.T) {
	m, _ := newTestMemory(4096)

	if _, _, err := m.RegionFor(0x500); err == nil {
		t.Fatalf("expected ErrNoRegion for address before the region")
	}

	region, off, err := m.RegionFor(0x1010)
	if err != nil {
		t.Fatalf("RegionFor: %v", err)
	}
	if region.GuestBase != 0x1000 || off != 0x10 {
		t.Fatalf("unexpected region/offset: %+v off=%d", region, off)
	}

	if _, err := Slice(m, 0x1ff0, 0x20); err == nil {
		t.Fatalf("expected out-of-region error for a slice crossing the region end")
	}
}

func TestReadWriteObjRoundTrip(t *testing.T) {
	m, _ := newTestMemory(4096)

	if err := WriteObj[uint32](m, 0x1100, 0x12345678); err != nil {
		t.Fatalf("WriteObj: %v", err)
	}
	got, err := ReadObj[uint32](m, 0x1100)
	if err != nil {
		t.Fatalf("ReadObj: %v", err)
	}
	if got != 0x12345678 {
		t.Fatalf("got 0x%x, want 0x12345678", got)
	}
}

func TestTranslateGVALowHalfPassthrough(t *testing.T) {
	m, _ := newTestMemory(4096)
	res, err := TranslateGVAArm64(m, 0, 0, 0, 0x2000)
	if err != nil {
		t.Fatalf("TranslateGVAArm64: %v", err)
	}
	if res.PhysicalAddr != 0x2000 {
		t.Fatalf("expected low-half passthrough, got 0x%x", res.PhysicalAddr)
	}
}

// TestTranslateGVAHighHalfBlockDescriptor walks a two-level 4K-granule
// high-half mapping down to a level-1 2MB block descriptor, exercising the
// table-then-block branch of the walker (granuleBits=12, strideBits=9).
func TestTranslateGVAHighHalfBlockDescriptor(t *testing.T) {
	m, _ := newTestMemory(1 << 20)

	const (
		granuleBits = 12
		strideBits  = 9
		tg1         = 0x2 // 4KB granule, TCR_EL1.TG1 encoding
		t1sz        = 25  // VA bits = 64-25 = 39 => 3 levels (0,1,2) for 4K
	)
	tcr := uint64(t1sz)<<16 | uint64(tg1)<<30 // TCR_EL1.T1SZ is bits [21:16]

	// Region guest-base 0x1000 is identity-mapped to backing[0:], so the
	// level-0 table itself can live at guest address 0x1000.
	l0TableGuest := uint64(0x1000)
	l1TableGuest := uint64(0x2000)

	gva := uint64(1)<<63 | (uint64(5) << (granuleBits + 2*strideBits)) | (uint64(3) << (granuleBits + strideBits)) | 0x123

	l0Index := (gva >> (granuleBits + 2*strideBits)) & ((1 << strideBits) - 1)
	l1Index := (gva >> (granuleBits + strideBits)) & ((1 << strideBits) - 1)

	const blockPA = uint64(0x40000000) // 1GB-aligned block base

	if err := WriteObj[uint64](m, l0TableGuest+l0Index*8, l1TableGuest|0x3); err != nil {
		t.Fatalf("write level-0 descriptor: %v", err)
	}
	// Level-1 block descriptor: bit1=0 marks it a block, not a table.
	if err := WriteObj[uint64](m, l1TableGuest+l1Index*8, blockPA|0x1); err != nil {
		t.Fatalf("write level-1 descriptor: %v", err)
	}

	res, err := TranslateGVAArm64(m, tcr, l0TableGuest, 0, gva)
	if err != nil {
		t.Fatalf("TranslateGVAArm64: %v", err)
	}
	wantOff := gva & ((1 << (granuleBits + strideBits)) - 1)
	if res.PhysicalAddr != blockPA|wantOff {
		t.Fatalf("got PA 0x%x, want 0x%x", res.PhysicalAddr, blockPA|wantOff)
	}
	if res.InBlockOff != wantOff {
		t.Fatalf("got InBlockOff 0x%x, want 0x%x", res.InBlockOff, wantOff)
	}
}

// TestTranslateGVAHighHalfNotPresent exercises the not-present fault path
// of the walker when the level-0 descriptor's valid bit is clear.
func TestTranslateGVAHighHalfNotPresent(t *testing.T) {
	m, _ := newTestMemory(4096)
	tcr := uint64(25)<<16 | uint64(0x2)<<30
	gva := uint64(1)<<63 | 0x123
	if _, err := TranslateGVAArm64(m, tcr, 0x1000, 0, gva); err == nil {
		t.Fatalf("expected ErrPageNotPresent for a zeroed table")
	}
}
