package ppu

import "testing"

// advanceLines ticks the PPU forward by n full visible lines (456 dots each).
func advanceLines(p *PPU, n int) { p.Tick(456 * n) }

func pixelAt(p *PPU, x, y int) (r, g, b byte) {
	i := (y*160 + x) * 4
	fb := p.Framebuffer()
	return fb[i], fb[i+1], fb[i+2]
}

func TestWindowRendersOverBackgroundPastWX(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF47, 0xE4) // identity BG palette
	// Tile 1 is solid color 3 (black); the window map points at it.
	p.CPUWrite(0x8010, 0xFF)
	p.CPUWrite(0x8011, 0xFF)
	p.CPUWrite(0x9C00, 0x01) // window map entry -> tile 1

	p.CPUWrite(0xFF40, 0x80|0x01|0x10|0x20|0x40) // LCD+BG+Window on, tile data 0x8000, window map 0x9C00
	p.CPUWrite(0xFF4A, 0)                   // WY=0: window visible from line 0
	p.CPUWrite(0xFF4B, 7)                   // WX=7 -> window starts at x=0

	advanceLines(p, 1) // render line 0 during its HBlank
	r, g, b := pixelAt(p, 0, 0)
	if r != 0 || g != 0 || b != 0 {
		t.Fatalf("expected window tile (black) at x=0, got rgb=(%d,%d,%d)", r, g, b)
	}
}

func TestWindowNotVisibleWhenWXTooLarge(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF47, 0xE4)
	p.CPUWrite(0x9C00, 0x01)
	p.CPUWrite(0x8010, 0xFF)
	p.CPUWrite(0x8011, 0xFF)

	p.CPUWrite(0xFF40, 0x80|0x01|0x10|0x20|0x40)
	p.CPUWrite(0xFF4A, 0)
	p.CPUWrite(0xFF4B, 200) // WX far out of range: window must not show

	advanceLines(p, 1)
	r, g, b := pixelAt(p, 0, 0)
	if r != 0xFF || g != 0xFF || b != 0xFF {
		t.Fatalf("expected BG (white) when window WX out of range, got rgb=(%d,%d,%d)", r, g, b)
	}
}
