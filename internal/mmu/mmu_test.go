package mmu

import (
	"testing"

	"gbcore/internal/cart"
)

func TestMMU_ROMAndRAM(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0100] = 0x42
	m := New(rom)

	if got := m.Read(0x0100); got != 0x42 {
		t.Fatalf("ROM read got %02x, want 42", got)
	}

	m.Write(0xC000, 0x99)
	if got := m.Read(0xC000); got != 0x99 {
		t.Fatalf("RAM read got %02x, want 99", got)
	}

	m.Write(0xE000, 0x55)
	if got := m.Read(0xC000); got != 0x55 {
		t.Fatalf("Echo write did not mirror to WRAM: got %02x", got)
	}

	m.Write(0xFF80, 0xAB)
	if got := m.Read(0xFF80); got != 0xAB {
		t.Fatalf("HRAM read got %02x, want AB", got)
	}

	if got := m.Read(0xA123); got != 0xFF {
		t.Fatalf("Ext RAM (ROM-only) got %02x, want FF", got)
	}
}

func TestMMU_VRAM_OAM_InterruptRegs(t *testing.T) {
	m := New(make([]byte, 0x8000))

	m.Write(0x8000, 0x11)
	if got := m.Read(0x8000); got != 0x11 {
		t.Fatalf("VRAM read got %02x, want 11", got)
	}

	m.Write(0xFE00, 0x22)
	if got := m.Read(0xFE00); got != 0x22 {
		t.Fatalf("OAM read got %02x, want 22", got)
	}

	m.Write(0xFF0F, 0x3F)
	if got := m.Read(0xFF0F); got != 0xE0|0x1F {
		t.Fatalf("IF read got %02x, want %02x", got, 0xE0|0x1F)
	}

	m.Write(0xFFFF, 0x1B)
	if got := m.Read(0xFFFF); got != 0x1B {
		t.Fatalf("IE read got %02x, want 1B", got)
	}
}

func TestMMU_JOYPSelection(t *testing.T) {
	m := New(make([]byte, 0x8000))

	if got := m.Read(0xFF00); got&0x0F != 0x0F {
		t.Fatalf("JOYP default lower bits got %02x want 0x0F", got)
	}

	m.Write(0xFF00, 0x20)
	m.SetJoypadState(Right | Up)
	if got := m.Read(0xFF00); got&0x0F != 0x0A {
		t.Fatalf("JOYP D-Pad got %02x want 0x0A", got&0x0F)
	}

	m.Write(0xFF00, 0x10)
	m.SetJoypadState(A | Start)
	if got := m.Read(0xFF00); got&0x0F != 0x06 {
		t.Fatalf("JOYP Buttons got %02x want 0x06", got&0x0F)
	}
}

func TestMMU_TimerRegisterPassthrough(t *testing.T) {
	m := New(make([]byte, 0x8000))

	m.Write(0xFF04, 0x12)
	if got := m.Read(0xFF04); got != 0x00 {
		t.Fatalf("DIV got %02x want 00", got)
	}
	m.Write(0xFF05, 0x77)
	if got := m.Read(0xFF05); got != 0x77 {
		t.Fatalf("TIMA got %02x want 77", got)
	}
	m.Write(0xFF06, 0x88)
	if got := m.Read(0xFF06); got != 0x88 {
		t.Fatalf("TMA got %02x want 88", got)
	}
	m.Write(0xFF07, 0xFD)
	if got := m.Read(0xFF07); got != (0xF8 | (0xFD & 0x07)) {
		t.Fatalf("TAC got %02x want %02x", got, 0xF8|(0xFD&0x07))
	}
}

func TestMMU_SerialInternalClockCompletesOverTicks(t *testing.T) {
	m := New(make([]byte, 0x8000))
	var out []byte
	m.SetSerialWriter(writerFunc(func(p []byte) (int, error) {
		out = append(out, p...)
		return len(p), nil
	}))

	m.Write(0xFF01, 0x41) // 'A'
	m.Write(0xFF02, 0x81) // start, internal clock (DMG bit8 of the divider)

	// Eight falling edges of DIV bit8 need roughly 8*512 = 4096 T-cycles; give headroom.
	m.Tick(6000)

	if len(out) != 1 || out[0] != 0x41 {
		t.Fatalf("serial out got %v want [0x41]", out)
	}
	if got := m.Read(0xFF02); got&0x80 != 0 {
		t.Fatalf("serial control bit7 not cleared: %02x", got)
	}
	if m.Read(0xFF0F)&(1<<3) == 0 {
		t.Fatalf("serial IF bit not set after transfer")
	}
}

func TestMMU_OAMDMACopiesFromSource(t *testing.T) {
	m := New(make([]byte, 0x8000))
	for i := 0; i < 0xA0; i++ {
		m.Write(0xC000+uint16(i), byte(i+1))
	}
	m.Write(0xFF46, 0xC0) // source = 0xC000
	m.Tick(0xA0)

	for i := 0; i < 0xA0; i++ {
		if got := m.Read(0xFE00 + uint16(i)); got != byte(i+1) {
			t.Fatalf("OAM[%d] = %02x, want %02x", i, got, i+1)
		}
	}
}

func TestMMU_HDMAGeneralPurposeCopiesImmediately(t *testing.T) {
	m := NewWithCartridge(cart.NewCartridge(make([]byte, 0x8000)), true)
	for i := 0; i < 16; i++ {
		m.Write(0xD000+uint16(i), byte(0xA0+i))
	}
	m.Write(0xFF51, 0xD0) // source high
	m.Write(0xFF52, 0x00) // source low
	m.Write(0xFF53, 0x00) // dest high (within 0x8000-0x9FF0)
	m.Write(0xFF54, 0x00) // dest low
	m.Write(0xFF55, 0x00) // 1 block, general purpose (bit7=0)

	if got := m.readHDMAControl(); got != 0xFF {
		t.Fatalf("general-purpose transfer should complete immediately, control=%02x", got)
	}
	for i := 0; i < 16; i++ {
		if got := m.ppu.CPURead(0x8000 + uint16(i)); got != byte(0xA0+i) {
			t.Fatalf("VRAM[%d] = %02x, want %02x", i, got, 0xA0+i)
		}
	}
}

func TestMMU_KEY1SpeedSwitch(t *testing.T) {
	m := NewWithCartridge(cart.NewCartridge(make([]byte, 0x8000)), true)
	m.Write(0xFF4D, 0x01)
	if !m.SpeedSwitchArmed() {
		t.Fatalf("expected KEY1 bit0 to arm the speed switch")
	}
	m.CommitSpeedSwitch()
	if !m.DoubleSpeed() {
		t.Fatalf("expected double speed after commit")
	}
	if got := m.Read(0xFF4D); got&0x80 == 0 {
		t.Fatalf("KEY1 bit7 should reflect double speed, got %02x", got)
	}
	if m.SpeedSwitchArmed() {
		t.Fatalf("arm bit should clear after commit")
	}
}

func TestMMU_SaveLoadStateRoundTrip(t *testing.T) {
	m := New(make([]byte, 0x8000))
	m.Write(0xC000, 0x7A)
	m.Write(0xFF80, 0x5B)
	m.Write(0xFFFF, 0x1F)

	data := m.SaveState()

	m.Write(0xC000, 0x00)
	m.Write(0xFF80, 0x00)
	m.Write(0xFFFF, 0x00)

	m.LoadState(data)
	if got := m.Read(0xC000); got != 0x7A {
		t.Fatalf("WRAM not restored: got %02x", got)
	}
	if got := m.Read(0xFF80); got != 0x5B {
		t.Fatalf("HRAM not restored: got %02x", got)
	}
	if got := m.Read(0xFFFF); got != 0x1F {
		t.Fatalf("IE not restored: got %02x", got)
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
