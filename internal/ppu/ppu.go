package ppu

import (
	"bytes"
	"encoding/gob"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, CGB palette RAM, and
// compositing into an RGBA framebuffer.
type PPU struct {
	// memory
	vram    [2][0x2000]byte // bank 0 always; bank 1 only meaningful in CGB mode
	vramBank int            // 0 or 1, selected via VBK (CGB only)
	oam     [0xA0]byte      // 0xFE00–0xFE9F

	// regs
	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	cgbMode bool
	bgpi    byte // FF68 BCPS
	bgPal   [64]byte
	obpi    byte // FF6A OCPS
	objPal  [64]byte
	objPriorityMode byte // FF6C OPRI: 0 = CGB priority (OAM order), 1 = DMG priority (x-coord)

	dot int // dots within current line [0..455]

	fb [160 * 144 * 4]byte // RGBA output

	frameReady bool

	// DMG "CGB compatibility" coloring: when enabled, dmgColor() looks up one
	// of a handful of canned RGB palettes instead of the four grayscale
	// shades, the way a GBC colorizes an inserted DMG-only cartridge.
	compatEnabled        bool
	compatBG             [4]rgb
	compatOBJ0, compatOBJ1 [4]rgb

	req     InterruptRequester
	onHBlank func()

	// renderVRAMBlocked forces scanline output to black. Set by the CPU
	// while stopped on CGB hardware outside of mode 3, where STOP leaves
	// the PPU running but cuts off its VRAM access.
	renderVRAMBlocked bool
}

func New(req InterruptRequester) *PPU { return newPPU(req, false) }

// NewCGB constructs a PPU with CGB palette RAM and the second VRAM bank enabled.
func NewCGB(req InterruptRequester) *PPU { return newPPU(req, true) }

func newPPU(req InterruptRequester, cgb bool) *PPU {
	p := &PPU{req: req, cgbMode: cgb}
	for i := range p.bgPal {
		p.bgPal[i] = 0xFF
		p.objPal[i] = 0xFF
	}
	return p
}

// Read implements VRAMReader against the currently selected bank, for use
// by the BG/window fetchers.
func (p *PPU) Read(addr uint16) byte {
	if addr < 0x8000 || addr > 0x9FFF {
		return 0xFF
	}
	return p.vram[p.vramBank][addr-0x8000]
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[p.vramBank][addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	case addr == 0xFF4F:
		if !p.cgbMode {
			return 0xFF
		}
		return 0xFE | byte(p.vramBank)
	case addr == 0xFF68:
		return p.bgpi
	case addr == 0xFF69:
		if !p.cgbMode {
			return 0xFF
		}
		return p.bgPal[p.bgpi&0x3F]
	case addr == 0xFF6A:
		return p.obpi
	case addr == 0xFF6B:
		if !p.cgbMode {
			return 0xFF
		}
		return p.objPal[p.obpi&0x3F]
	case addr == 0xFF6C:
		return 0xFE | (p.objPriorityMode & 0x01)
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[p.vramBank][addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	case addr == 0xFF4F:
		if p.cgbMode {
			p.vramBank = int(value & 0x01)
		}
	case addr == 0xFF68:
		p.bgpi = value & 0xBF
	case addr == 0xFF69:
		if !p.cgbMode {
			return
		}
		idx := p.bgpi & 0x3F
		p.bgPal[idx] = value
		if p.bgpi&0x80 != 0 {
			p.bgpi = 0x80 | ((idx + 1) & 0x3F)
		}
	case addr == 0xFF6A:
		p.obpi = value & 0xBF
	case addr == 0xFF6B:
		if !p.cgbMode {
			return
		}
		idx := p.obpi & 0x3F
		p.objPal[idx] = value
		if p.obpi&0x80 != 0 {
			p.obpi = 0x80 | ((idx + 1) & 0x3F)
		}
	case addr == 0xFF6C:
		p.objPriorityMode = value & 0x01
	}
}

// Tick advances PPU state by the given number of dots (CPU cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off
			continue
		}
		p.dot++
		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		prevMode := p.stat & 0x03
		p.setMode(mode)
		if prevMode != 0 && mode == 0 && p.ly < 144 {
			p.renderLine(p.ly)
			if p.onHBlank != nil {
				p.onHBlank()
			}
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				p.frameReady = true
				if p.req != nil {
					p.req(0)
				}
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				}
			} else if p.ly > 153 {
				p.ly = 0
			}
			p.updateLYC()
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0: // HBlank
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2: // OAM
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }

// Framebuffer returns the 160x144 RGBA pixel buffer, updated one scanline
// at a time as HBlank is entered.
func (p *PPU) Framebuffer() []byte { return p.fb[:] }

// Mode returns the current STAT mode (0-3).
func (p *PPU) Mode() byte { return p.stat & 0x03 }

// FrameReady reports whether a full frame (the V-blank edge at LY=144) has
// completed since the flag was last cleared. The top-level GameBoy polls
// this once per host frame and clears it with ClearFrameFlag.
func (p *PPU) FrameReady() bool { return p.frameReady }

// ClearFrameFlag resets the frame-ready latch.
func (p *PPU) ClearFrameFlag() { p.frameReady = false }

// SetCompatPalette enables or disables DMG "CGB compatibility" coloring,
// the canned BG/OBJ0/OBJ1 RGB palettes a Game Boy Color substitutes for the
// four grayscale shades when running a DMG-only cartridge. Each argument is
// four RGB triples indexed by the 2-bit shade the palette register selects.
func (p *PPU) SetCompatPalette(enabled bool, bg, obj0, obj1 [4][3]byte) {
	p.compatEnabled = enabled
	for i := 0; i < 4; i++ {
		p.compatBG[i] = rgb{bg[i][0], bg[i][1], bg[i][2]}
		p.compatOBJ0[i] = rgb{obj0[i][0], obj0[i][1], obj0[i][2]}
		p.compatOBJ1[i] = rgb{obj1[i][0], obj1[i][1], obj1[i][2]}
	}
}

// SetHBlankHook registers a callback invoked exactly once per scanline at
// the mode-3 -> mode-0 transition, used by the MMU to step HDMA.
func (p *PPU) SetHBlankHook(fn func()) { p.onHBlank = fn }

// WriteVRAMBank writes directly into the given VRAM bank, bypassing STAT
// mode gating. Used by HDMA/GDMA, which operate outside normal CPU access.
func (p *PPU) WriteVRAMBank(bank int, addr uint16, value byte) {
	if addr < 0x8000 || addr > 0x9FFF {
		return
	}
	p.vram[bank&0x01][addr-0x8000] = value
}

// ReadVRAMBank reads directly from the given VRAM bank, bypassing STAT mode
// gating. Used by HDMA/GDMA source reads when the source lands in VRAM.
func (p *PPU) ReadVRAMBank(bank int, addr uint16) byte {
	if addr < 0x8000 || addr > 0x9FFF {
		return 0xFF
	}
	return p.vram[bank&0x01][addr-0x8000]
}

// VRAMBank reports the currently CPU-selected VRAM bank (always 0 on DMG).
func (p *PPU) VRAMBank() int { return p.vramBank }

// CorruptOAM applies the classic OAM-bug row-swap/overwrite pattern used
// when a 16-bit register pointing into 0xFE00-0xFEFF is incremented or
// decremented by the IDU while the PPU is in OAM-scan mode (mode 2), or
// when an interrupt-dispatch stack push touches the same window. addr is
// the register value at the moment of the IDU access. The corruption is
// DMG-only: a CGB-mode PPU ignores the call.
func (p *PPU) CorruptOAM(addr uint16) {
	if p.cgbMode || p.stat&0x03 != 2 || addr < 0xFE00 || addr > 0xFEFF {
		return
	}
	row := int(addr-0xFE00) / 2 % 20
	if row == 0 {
		return
	}
	base := row * 8
	prevBase := (row - 1) * 8
	if base+8 > len(p.oam) || prevBase+8 > len(p.oam) {
		return
	}
	// Statistical approximation of the corruption observed on hardware:
	// the row is OR-ed with the row above it, and the first word of the
	// row above is overwritten with the corrupted row's first word.
	for i := 0; i < 8; i++ {
		p.oam[base+i] |= p.oam[prevBase+i]
	}
	p.oam[prevBase] = p.oam[base]
	p.oam[prevBase+1] = p.oam[base+1]
}

// SetRenderVRAMBlocked controls whether scanline rendering is forced to
// black, for the CPU's STOP handler on CGB hardware.
func (p *PPU) SetRenderVRAMBlocked(blocked bool) { p.renderVRAMBlocked = blocked }

func (p *PPU) renderLine(ly byte) {
	if p.renderVRAMBlocked {
		for x := 0; x < 160; x++ {
			p.setPixel(x, int(ly), rgb{})
		}
		return
	}
	bgLine := [160]byte{}
	if p.lcdc&0x01 != 0 || p.cgbMode {
		mapBase := uint16(0x9800)
		if p.lcdc&0x08 != 0 {
			mapBase = 0x9C00
		}
		bgLine = RenderBGScanlineUsingFetcher(p, mapBase, p.lcdc&0x10 != 0, p.scx, p.scy, ly)
	}

	winLine := bgLine
	windowActive := p.lcdc&0x20 != 0 && p.wy <= ly && p.wx <= 166
	if windowActive {
		wMapBase := uint16(0x9800)
		if p.lcdc&0x40 != 0 {
			wMapBase = 0x9C00
		}
		wxStart := int(p.wx) - 7
		winRow := winLine
		rendered := RenderWindowScanlineUsingFetcher(p, wMapBase, p.lcdc&0x10 != 0, wxStart, ly-p.wy)
		for x := wxStart; x < 160; x++ {
			if x < 0 {
				continue
			}
			winRow[x] = rendered[x]
		}
		winLine = winRow
	}

	for x := 0; x < 160; x++ {
		ci := winLine[x]
		rgb := p.dmgColor(paletteBG, p.bgp, ci)
		if p.cgbMode {
			rgb = p.cgbBGColor(0, ci)
		}
		p.setPixel(x, int(ly), rgb)
	}

	if p.lcdc&0x02 != 0 {
		p.renderSprites(ly, winLine)
	}
}

type rgb struct{ r, g, b byte }

// paletteKind distinguishes which DMG compat palette a shade lookup draws
// from; it has no effect on real grayscale or CGB (BCPS/OCPS) rendering.
type paletteKind int

const (
	paletteBG paletteKind = iota
	paletteOBJ0
	paletteOBJ1
)

func (p *PPU) dmgColor(kind paletteKind, palette, ci byte) rgb {
	shade := (palette >> (ci * 2)) & 0x03
	if p.compatEnabled {
		switch kind {
		case paletteOBJ0:
			return p.compatOBJ0[shade]
		case paletteOBJ1:
			return p.compatOBJ1[shade]
		default:
			return p.compatBG[shade]
		}
	}
	shades := [4]byte{0xFF, 0xAA, 0x55, 0x00}
	v := shades[shade]
	return rgb{v, v, v}
}

// cgbBGColor decodes a 15-bit BGR555 entry from CGB palette RAM; palette is
// 0-7, ci is the 2-bit color index.
func (p *PPU) cgbBGColor(palette, ci byte) rgb {
	off := int(palette)*8 + int(ci)*2
	if off+1 >= len(p.bgPal) {
		return rgb{}
	}
	lo := uint16(p.bgPal[off])
	hi := uint16(p.bgPal[off+1])
	word := lo | hi<<8
	return bgr555(word)
}

func (p *PPU) cgbObjColor(palette, ci byte) rgb {
	off := int(palette)*8 + int(ci)*2
	if off+1 >= len(p.objPal) {
		return rgb{}
	}
	lo := uint16(p.objPal[off])
	hi := uint16(p.objPal[off+1])
	word := lo | hi<<8
	return bgr555(word)
}

func bgr555(word uint16) rgb {
	r := byte(word & 0x1F)
	g := byte((word >> 5) & 0x1F)
	b := byte((word >> 10) & 0x1F)
	scale := func(v byte) byte { return byte((uint16(v)*255 + 15) / 31) }
	return rgb{scale(r), scale(g), scale(b)}
}

func (p *PPU) setPixel(x, y int, c rgb) {
	if x < 0 || x >= 160 || y < 0 || y >= 144 {
		return
	}
	i := (y*160 + x) * 4
	p.fb[i+0] = c.r
	p.fb[i+1] = c.g
	p.fb[i+2] = c.b
	p.fb[i+3] = 0xFF
}

type spriteEntry struct {
	y, x, tile, attr byte
	oamIndex         int
}

func (p *PPU) renderSprites(ly byte, bgLine [160]byte) {
	tall := p.lcdc&0x04 != 0
	height := byte(8)
	if tall {
		height = 16
	}

	var visible []spriteEntry
	for i := 0; i < 40 && len(visible) < 10; i++ {
		base := i * 4
		sy := p.oam[base]
		sx := p.oam[base+1]
		tile := p.oam[base+2]
		attr := p.oam[base+3]
		top := int(sy) - 16
		if int(ly) < top || int(ly) >= top+int(height) {
			continue
		}
		visible = append(visible, spriteEntry{sy, sx, tile, attr, i})
	}

	// DMG/OPRI=1 priority: smaller X wins, ties broken by OAM index (already
	// ascending). CGB default priority is OAM index alone; reverse-iterate
	// so index 0 draws last (highest priority) in both cases.
	if !p.cgbMode || p.objPriorityMode == 1 {
		for a := 0; a < len(visible); a++ {
			for b := a + 1; b < len(visible); b++ {
				if visible[b].x < visible[a].x {
					visible[a], visible[b] = visible[b], visible[a]
				}
			}
		}
	}

	for i := len(visible) - 1; i >= 0; i-- {
		s := visible[i]
		top := int(s.y) - 16
		row := int(ly) - top
		if s.attr&0x40 != 0 { // Y flip
			row = int(height) - 1 - row
		}
		tile := s.tile
		if tall {
			tile &^= 0x01
			if row >= 8 {
				tile |= 0x01
				row -= 8
			}
		}
		bank := 0
		if p.cgbMode && s.attr&0x08 != 0 {
			bank = 1
		}
		base := 0x8000 + uint16(tile)*16 + uint16(row)*2
		lo := p.vram[bank][base-0x8000]
		hi := p.vram[bank][base-0x8000+1]

		for px := 0; px < 8; px++ {
			sxPos := int(s.x) - 8 + px
			if sxPos < 0 || sxPos >= 160 {
				continue
			}
			bit := px
			if s.attr&0x20 == 0 { // X flip (0 = flipped per bit order below)
				bit = 7 - px
			}
			ci := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if ci == 0 {
				continue
			}
			if s.attr&0x80 != 0 && bgLine[sxPos] != 0 {
				continue // behind BG color 1-3
			}
			var c rgb
			if p.cgbMode {
				c = p.cgbObjColor(s.attr&0x07, ci)
			} else {
				pal := p.obp0
				kind := paletteOBJ0
				if s.attr&0x10 != 0 {
					pal = p.obp1
					kind = paletteOBJ1
				}
				c = p.dmgColor(kind, pal, ci)
			}
			p.setPixel(sxPos, int(ly), c)
		}
	}
}

type stateBlob struct {
	VRAM0, VRAM1               [0x2000]byte
	VRAMBank                   int
	OAM                        [0xA0]byte
	LCDC, STAT, SCY, SCX       byte
	LY, LYC, BGP, OBP0, OBP1   byte
	WY, WX                     byte
	Dot                        int
	CGBMode                    bool
	BGPI, OBPI                 byte
	BGPal, OBJPal              [64]byte
	ObjPriorityMode            byte
}

func (p *PPU) SaveState() []byte {
	s := stateBlob{
		VRAM0: p.vram[0], VRAM1: p.vram[1], VRAMBank: p.vramBank, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx, Dot: p.dot,
		CGBMode: p.cgbMode, BGPI: p.bgpi, OBPI: p.obpi, BGPal: p.bgPal, OBJPal: p.objPal,
		ObjPriorityMode: p.objPriorityMode,
	}
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	var s stateBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram[0], p.vram[1], p.vramBank, p.oam = s.VRAM0, s.VRAM1, s.VRAMBank, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx, p.dot = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX, s.Dot
	p.cgbMode, p.bgpi, p.obpi, p.bgPal, p.objPal = s.CGBMode, s.BGPI, s.OBPI, s.BGPal, s.OBJPal
	p.objPriorityMode = s.ObjPriorityMode
}
