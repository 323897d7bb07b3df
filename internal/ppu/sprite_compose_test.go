package ppu

import "testing"

func writeOAM(p *PPU, index int, y, x, tile, attr byte) {
	base := uint16(0xFE00 + index*4)
	p.CPUWrite(base+0, y)
	p.CPUWrite(base+1, x)
	p.CPUWrite(base+2, tile)
	p.CPUWrite(base+3, attr)
}

func TestSpriteDrawsOpaquePixelOverBlankBG(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF47, 0xE4) // identity BG palette (unused here, BG stays ci=0)
	p.CPUWrite(0xFF48, 0xE4) // identity OBP0
	// Sprite tile 0: leftmost pixel opaque with color index 3 (both bit planes set).
	p.CPUWrite(0x8000, 0x80)
	p.CPUWrite(0x8001, 0x80)

	// OAM is written before the LCD is switched on: LCD-on enters mode 2,
	// where CPU writes to OAM are discarded.
	writeOAM(p, 0, 16+5, 8+10, 0, 0)
	p.CPUWrite(0xFF40, 0x80|0x02) // LCD+OBJ on, BG/window off so BG stays white

	advanceLines(p, 6)
	r, _, _ := pixelAt(p, 10, 5)
	if r != 0x00 {
		t.Fatalf("expected opaque black sprite pixel at x=10, got r=%#02x", r)
	}
}

func TestSpriteHiddenBehindNonzeroBG(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF47, 0xE4)
	p.CPUWrite(0xFF48, 0xE4)
	// BG tile 1 (covers x=8..15 at map column 1): solid color index 1.
	for row := uint16(0); row < 8; row++ {
		p.CPUWrite(0x8010+row*2, 0xFF)
		p.CPUWrite(0x8011+row*2, 0x00)
	}
	p.CPUWrite(0x9800+1, 0x01)
	// Sprite tile 0: leftmost pixel opaque, color index 3.
	p.CPUWrite(0x8000, 0x80)
	p.CPUWrite(0x8001, 0x80)

	writeOAM(p, 0, 16+5, 8+10, 0, 1<<7)
	p.CPUWrite(0xFF40, 0x80|0x10|0x01|0x02) // LCD+BG+OBJ on, BG tile data at 0x8000

	advanceLines(p, 6)
	r, g, b := pixelAt(p, 10, 5)
	if r != 0xAA || g != 0xAA || b != 0xAA {
		t.Fatalf("expected sprite hidden behind BG color 1 (gray), got rgb=(%d,%d,%d)", r, g, b)
	}
}

func TestSpriteXPriorityTieBreak(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF48, 0xE4)
	p.CPUWrite(0xFF49, 0xE4)
	p.CPUWrite(0x8000, 0xFF) // fully opaque row, color index 1
	p.CPUWrite(0x8001, 0x00)

	writeOAM(p, 0, 16, 8+20, 0, 0x00) // X=20
	writeOAM(p, 1, 16, 8+19, 0, 0x00) // X=19, smaller X should win at overlap
	p.CPUWrite(0xFF40, 0x80|0x02) // LCD+OBJ on, BG off

	advanceLines(p, 1)
	r, _, _ := pixelAt(p, 20, 0)
	if r != 0xAA {
		t.Fatalf("expected opaque sprite pixel at x=20, got r=%#02x", r)
	}
}
