package ppu

import "testing"

// TestCGB_BGPaletteRAM verifies BCPS/BCPD auto-increment and that a
// CGB-mode BG pixel is colored from palette RAM rather than the DMG shades.
func TestCGB_BGPaletteRAM(t *testing.T) {
	p := NewCGB(nil)

	// Select BG palette 0, color 1 (byte index 2), with auto-increment.
	p.CPUWrite(0xFF68, 0x80|0x02)
	// BGR555 word 0x001F -> pure red (r=0x1F, g=0, b=0).
	p.CPUWrite(0xFF69, 0x1F)
	p.CPUWrite(0xFF69, 0x00)

	if p.bgpi != 0x84 {
		t.Fatalf("expected BCPS to auto-increment to 0x84, got %#02x", p.bgpi)
	}

	c := p.cgbBGColor(0, 1)
	if c.r != 0xFF || c.g != 0 || c.b != 0 {
		t.Fatalf("expected pure red from palette RAM, got %+v", c)
	}
}

func TestCGB_OBJPaletteRAM(t *testing.T) {
	p := NewCGB(nil)
	p.CPUWrite(0xFF6A, 0x80) // obj palette 0 color 0, auto-increment
	p.CPUWrite(0xFF6B, 0x00)
	p.CPUWrite(0xFF6B, 0x7C) // BGR555 word 0x7C00 -> pure blue

	c := p.cgbObjColor(0, 0)
	if c.b != 0xFF || c.r != 0 || c.g != 0 {
		t.Fatalf("expected pure blue from obj palette RAM, got %+v", c)
	}
}

func TestCGB_VRAMBankSwitch(t *testing.T) {
	p := NewCGB(nil)
	p.CPUWrite(0xFF4F, 0x01) // select VRAM bank 1
	p.CPUWrite(0x8000, 0xAB)
	if p.vram[1][0] != 0xAB {
		t.Fatalf("write should land in bank 1")
	}
	p.CPUWrite(0xFF4F, 0x00)
	p.CPUWrite(0x8000, 0xCD)
	if p.vram[0][0] != 0xCD || p.vram[1][0] != 0xAB {
		t.Fatalf("bank switch must isolate writes: bank0=%#02x bank1=%#02x", p.vram[0][0], p.vram[1][0])
	}
}
