// Package mmu wires the CPU-visible address space to the cartridge, WRAM,
// HRAM, PPU, APU, timer, serial port, and joypad, and owns the cross-device
// plumbing the CPU does not model itself: OAM DMA, CGB HDMA/GDMA, the KEY1
// speed switch, and interrupt flag routing.
package mmu

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"gbcore/internal/apu"
	"gbcore/internal/cart"
	"gbcore/internal/joypad"
	"gbcore/internal/ppu"
	"gbcore/internal/serial"
	"gbcore/internal/timer"
)

// MMU implements the full Game Boy / Game Boy Color address space.
type MMU struct {
	cart cart.Cartridge

	wram0    [0x1000]byte    // C000-CFFF, fixed bank 0
	wramBank [8][0x1000]byte // D000-DFFF, bank 1-7 switchable via SVBK (CGB only; bank 1 used on DMG)
	svbk     byte

	hram [0x7F]byte // FF80-FFFE

	ppu *ppu.PPU
	apu *apu.APU
	tmr *timer.Timer
	joy *joypad.Joypad
	ser *serial.Serial

	ie    byte
	ifReg byte

	cgbMode     bool
	doubleSpeed bool
	key1Armed   bool

	dma       byte
	dmaActive bool
	dmaSrc    uint16
	dmaIndex  int

	hdmaSrcHi, hdmaSrcLo byte
	hdmaDstHi, hdmaDstLo byte
	hdmaSrc, hdmaDst     uint16
	hdmaLen              byte
	hdmaArmed            bool

	bootROM     []byte
	bootEnabled bool

	serialSinkW io.Writer

	debugTimer bool
}

// New constructs an MMU with the cartridge implementation cart.NewCartridge
// picks from the ROM header, auto-detecting CGB mode from the header's CGB
// flag.
func New(rom []byte) *MMU {
	cgb := false
	if h, err := cart.ParseHeader(rom); err == nil {
		cgb = h.CGBFlag&0x80 != 0 || h.CGBFlag&0xC0 != 0
	}
	return NewWithCartridge(cart.NewCartridge(rom), cgb)
}

// NewWithCartridge wires a provided cartridge implementation, with an
// explicit CGB-mode selection (callers may force DMG mode even for
// CGB-flagged carts, or force CGB mode for DMG-only carts).
func NewWithCartridge(c cart.Cartridge, cgbMode bool) *MMU {
	m := &MMU{cart: c, cgbMode: cgbMode}
	m.ppu = ppu.New(func(bit int) { m.ifReg |= 1 << bit })
	if cgbMode {
		m.ppu = ppu.NewCGB(func(bit int) { m.ifReg |= 1 << bit })
	}
	m.ppu.SetHBlankHook(m.onPPUHBlank)
	m.apu = apu.New(44100)
	m.tmr = timer.New(func(bit int) { m.ifReg |= 1 << bit })
	m.joy = joypad.New(func(bit int) { m.ifReg |= 1 << bit })
	m.ser = serial.New(cgbMode, func(bit int) { m.ifReg |= 1 << bit })
	if os.Getenv("GB_DEBUG_TIMER") != "" {
		m.debugTimer = true
	}
	return m
}

func (m *MMU) PPU() *ppu.PPU        { return m.ppu }
func (m *MMU) APU() *apu.APU        { return m.apu }
func (m *MMU) Cart() cart.Cartridge { return m.cart }
func (m *MMU) CGBMode() bool        { return m.cgbMode }
func (m *MMU) DoubleSpeed() bool    { return m.doubleSpeed }

// ConnectSerial plugs in a link-cable partner; defaults to an unplugged line.
func (m *MMU) ConnectSerial(p serial.LinkPort) { m.ser.Connect(p) }

// SetSerialWriter mirrors completed outgoing serial bytes to w, primarily
// for driving blargg-style test ROMs that report pass/fail over the link.
func (m *MMU) SetSerialWriter(w io.Writer) { m.serialSinkW = w }

func (m *MMU) wramBankIndex() int {
	b := int(m.svbk & 0x07)
	if b == 0 {
		b = 1
	}
	return b
}

func (m *MMU) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if m.bootEnabled && addr < 0x0100 && len(m.bootROM) >= 0x100 {
			return m.bootROM[addr]
		}
		return m.cart.Read(addr)
	case addr >= 0x8000 && addr <= 0x9FFF:
		return m.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return m.cart.Read(addr)
	case addr >= 0xC000 && addr <= 0xCFFF:
		return m.wram0[addr-0xC000]
	case addr >= 0xD000 && addr <= 0xDFFF:
		return m.wramBank[m.wramBankIndex()][addr-0xD000]
	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror <= 0xCFFF {
			return m.wram0[mirror-0xC000]
		}
		return m.wramBank[m.wramBankIndex()][mirror-0xD000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if m.dmaActive {
			return 0xFF
		}
		return m.ppu.CPURead(addr)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		return m.hram[addr-0xFF80]
	case addr == 0xFF00:
		return m.joy.Read()
	case addr == 0xFF01:
		return m.ser.ReadSB()
	case addr == 0xFF02:
		return m.ser.ReadSC()
	case addr == 0xFF04:
		return m.tmr.ReadDIV()
	case addr == 0xFF05:
		return m.tmr.ReadTIMA()
	case addr == 0xFF06:
		return m.tmr.ReadTMA()
	case addr == 0xFF07:
		return m.tmr.ReadTAC()
	case addr == 0xFF0F:
		return 0xE0 | (m.ifReg & 0x1F)
	case addr >= 0xFF10 && addr <= 0xFF3F:
		return m.apu.CPURead(addr)
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		return m.ppu.CPURead(addr)
	case addr == 0xFF46:
		return m.dma
	case addr == 0xFF4D:
		return m.readKEY1()
	case addr == 0xFF4F, addr == 0xFF68, addr == 0xFF69, addr == 0xFF6A, addr == 0xFF6B, addr == 0xFF6C:
		return m.ppu.CPURead(addr)
	case addr == 0xFF51, addr == 0xFF52, addr == 0xFF53, addr == 0xFF54:
		return 0xFF // write-only
	case addr == 0xFF55:
		return m.readHDMAControl()
	case addr == 0xFF50:
		return 0xFF
	case addr == 0xFF70:
		return m.readSVBK()
	case addr == 0xFFFF:
		return m.ie
	}
	return 0xFF
}

func (m *MMU) Write(addr uint16, value byte) {
	switch {
	case addr < 0x8000:
		m.cart.Write(addr, value)
	case addr >= 0x8000 && addr <= 0x9FFF:
		m.ppu.CPUWrite(addr, value)
	case addr >= 0xA000 && addr <= 0xBFFF:
		m.cart.Write(addr, value)
	case addr >= 0xC000 && addr <= 0xCFFF:
		m.wram0[addr-0xC000] = value
	case addr >= 0xD000 && addr <= 0xDFFF:
		m.wramBank[m.wramBankIndex()][addr-0xD000] = value
	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror <= 0xCFFF {
			m.wram0[mirror-0xC000] = value
		} else {
			m.wramBank[m.wramBankIndex()][mirror-0xD000] = value
		}
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if m.dmaActive {
			return
		}
		m.ppu.CPUWrite(addr, value)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		m.hram[addr-0xFF80] = value
	case addr == 0xFF00:
		m.joy.Write(value)
	case addr == 0xFF01:
		m.ser.WriteSB(value)
	case addr == 0xFF02:
		m.ser.WriteSC(value)
	case addr == 0xFF04:
		m.tmr.WriteDIV(value)
	case addr == 0xFF05:
		m.tmr.WriteTIMA(value)
	case addr == 0xFF06:
		m.tmr.WriteTMA(value)
	case addr == 0xFF07:
		m.tmr.WriteTAC(value)
	case addr == 0xFF0F:
		m.ifReg = value & 0x1F
	case addr >= 0xFF10 && addr <= 0xFF3F:
		m.apu.CPUWrite(addr, value)
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B:
		m.ppu.CPUWrite(addr, value)
	case addr == 0xFF46:
		m.dma = value
		m.dmaActive = true
		m.dmaSrc = uint16(value) << 8
		m.dmaIndex = 0
	case addr == 0xFF4D:
		m.writeKEY1(value)
	case addr == 0xFF4F, addr == 0xFF68, addr == 0xFF69, addr == 0xFF6A, addr == 0xFF6B, addr == 0xFF6C:
		m.ppu.CPUWrite(addr, value)
	case addr == 0xFF51:
		m.hdmaSrcHi = value
		m.hdmaSrc = (uint16(m.hdmaSrcHi) << 8) | uint16(m.hdmaSrcLo)
	case addr == 0xFF52:
		m.hdmaSrcLo = value & 0xF0
		m.hdmaSrc = (uint16(m.hdmaSrcHi) << 8) | uint16(m.hdmaSrcLo)
	case addr == 0xFF53:
		m.hdmaDstHi = value & 0x1F
		m.hdmaDst = 0x8000 | (uint16(m.hdmaDstHi) << 8) | uint16(m.hdmaDstLo)
	case addr == 0xFF54:
		m.hdmaDstLo = value & 0xF0
		m.hdmaDst = 0x8000 | (uint16(m.hdmaDstHi) << 8) | uint16(m.hdmaDstLo)
	case addr == 0xFF55:
		m.writeHDMAControl(value)
	case addr == 0xFF50:
		if value != 0x00 {
			m.bootEnabled = false
		}
	case addr == 0xFF70:
		m.writeSVBK(value)
	case addr == 0xFFFF:
		m.ie = value
	}
}

// readKEY1/writeKEY1 implement the CGB speed-switch register. Bit 7 (read
// only) reflects the speed currently in effect; bit 0 arms a switch that
// commits when the CPU executes STOP.
func (m *MMU) readKEY1() byte {
	if !m.cgbMode {
		return 0xFF
	}
	v := byte(0x7E)
	if m.doubleSpeed {
		v |= 0x80
	}
	if m.key1Armed {
		v |= 0x01
	}
	return v
}

func (m *MMU) writeKEY1(value byte) {
	if !m.cgbMode {
		return
	}
	m.key1Armed = value&0x01 != 0
}

// SpeedSwitchArmed reports whether KEY1 bit 0 is set, for the CPU's STOP
// handler to consult.
func (m *MMU) SpeedSwitchArmed() bool { return m.key1Armed }

// ResetDIV clears the DIV counter, honoring the same falling-edge TIMA
// increment as a direct FF04 write. STOP resets DIV unconditionally,
// whether or not it commits a speed switch.
func (m *MMU) ResetDIV() { m.tmr.WriteDIV(0) }

// CommitSpeedSwitch toggles the current speed, clears the arm bit, and
// resets DIV, per the documented STOP+KEY1 sequence.
func (m *MMU) CommitSpeedSwitch() {
	m.doubleSpeed = !m.doubleSpeed
	m.key1Armed = false
	m.tmr.WriteDIV(0)
}

func (m *MMU) readSVBK() byte {
	if !m.cgbMode {
		return 0xFF
	}
	return 0xF8 | m.svbk
}

func (m *MMU) writeSVBK(value byte) {
	if !m.cgbMode {
		return
	}
	m.svbk = value & 0x07
}

// readHDMAControl reports the remaining block count, with bit 7 clear while
// an HBlank-paced transfer is still armed and set (value 0xFF) otherwise.
func (m *MMU) readHDMAControl() byte {
	if !m.cgbMode || !m.hdmaArmed {
		return 0xFF
	}
	return m.hdmaLen & 0x7F
}

// writeHDMAControl starts a general-purpose transfer (copied immediately)
// or arms an HBlank-paced transfer; writing bit7=0 while armed cancels it.
func (m *MMU) writeHDMAControl(value byte) {
	if !m.cgbMode {
		return
	}
	if m.hdmaArmed && value&0x80 == 0 {
		m.hdmaArmed = false
		return
	}
	m.hdmaLen = value & 0x7F
	if value&0x80 != 0 {
		m.hdmaArmed = true
		return
	}
	blocks := int(m.hdmaLen) + 1
	for b := 0; b < blocks; b++ {
		m.hdmaTransferBlock()
	}
}

func (m *MMU) onPPUHBlank() {
	if m.cgbMode && m.hdmaArmed {
		m.hdmaTransferBlock()
		if m.hdmaLen == 0 {
			m.hdmaArmed = false
		} else {
			m.hdmaLen--
		}
	}
}

func (m *MMU) hdmaTransferBlock() {
	bank := m.ppu.VRAMBank()
	for i := 0; i < 16; i++ {
		v := m.Read(m.hdmaSrc)
		dst := 0x8000 + (m.hdmaDst & 0x1FFF)
		m.ppu.WriteVRAMBank(bank, dst, v)
		m.hdmaSrc++
		m.hdmaDst++
	}
}

// Tick advances every bus-side device by cycles dots/T-cycles: cartridge RTC
// first, then per dot the timer, serial (via the timer's divider), PPU, and
// OAM DMA, in that fixed order, and last the APU for the whole window. The
// PPU's HBlank edge callback steps HDMA from inside this loop.
func (m *MMU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	if rtc, ok := m.cart.(interface{ StepRTC(int) }); ok {
		rtc.StepRTC(cycles)
	}
	for i := 0; i < cycles; i++ {
		prevDiv := m.tmr.DIV16()
		m.tmr.Tick()
		m.ser.Step(prevDiv, m.tmr.DIV16(), m.doubleSpeed)
		if m.ppu != nil {
			m.ppu.Tick(1)
		}
		if m.dmaActive {
			if m.dmaIndex < 0xA0 {
				v := m.Read(m.dmaSrc + uint16(m.dmaIndex))
				m.ppu.CPUWrite(0xFE00+uint16(m.dmaIndex), v)
				m.dmaIndex++
			}
			if m.dmaIndex >= 0xA0 {
				m.dmaActive = false
			}
		}
	}
	m.apu.Tick(cycles)
	if out := m.ser.TakeOutput(); len(out) > 0 && m.serialSinkW != nil {
		_, _ = m.serialSinkW.Write(out)
	}
}

// TickFrozenDIV advances the PPU and OAM DMA by cycles dots without
// stepping the timer, so DIV/TIMA stay frozen. Used during the CPU's
// STOP-triggered speed-switch stall, where the LCD keeps running but the
// divider does not.
func (m *MMU) TickFrozenDIV(cycles int) {
	if cycles <= 0 {
		return
	}
	div := m.tmr.DIV16()
	for i := 0; i < cycles; i++ {
		if m.ppu != nil {
			m.ppu.Tick(1)
		}
		if m.dmaActive {
			if m.dmaIndex < 0xA0 {
				v := m.Read(m.dmaSrc + uint16(m.dmaIndex))
				m.ppu.CPUWrite(0xFE00+uint16(m.dmaIndex), v)
				m.dmaIndex++
			}
			if m.dmaIndex >= 0xA0 {
				m.dmaActive = false
			}
		}
	}
	m.apu.Tick(cycles)
	m.ser.Step(div, div, m.doubleSpeed)
	if out := m.ser.TakeOutput(); len(out) > 0 && m.serialSinkW != nil {
		_, _ = m.serialSinkW.Write(out)
	}
}

// Joypad button bitmasks, re-exported for callers that want to avoid a
// direct dependency on the joypad package.
const (
	Right     = joypad.Right
	Left      = joypad.Left
	Up        = joypad.Up
	Down      = joypad.Down
	A         = joypad.A
	B         = joypad.B
	SelectBtn = joypad.SelectBtn
	Start     = joypad.Start
)

// SetJoypadState sets which buttons are currently pressed (bits from the
// constants above; set bits mean pressed).
func (m *MMU) SetJoypadState(mask byte) { m.joy.SetPressed(mask) }

// SetBootROM loads a boot ROM to be mapped at 0x0000-0x00FF until disabled
// via an 0xFF50 write.
func (m *MMU) SetBootROM(data []byte) {
	m.bootROM = nil
	m.bootEnabled = false
	if len(data) >= 0x100 {
		m.bootROM = make([]byte, 0x100)
		copy(m.bootROM, data[:0x100])
		m.bootEnabled = true
	}
}

// IF/IE accessors used by the CPU's interrupt dispatch.
func (m *MMU) IF() byte        { return m.ifReg & 0x1F }
func (m *MMU) IE() byte        { return m.ie }
func (m *MMU) SetIF(v byte)    { m.ifReg = v & 0x1F }
func (m *MMU) RequestIF(bit int) { m.ifReg |= 1 << uint(bit) }

// --- Save/Load state ---

type mmuState struct {
	WRAM0     [0x1000]byte
	WRAMBank  [8][0x1000]byte
	SVBK      byte
	HRAM      [0x7F]byte
	IE, IF    byte
	CGBMode   bool
	DblSpeed  bool
	KEY1Armed bool
	DMA       byte
	DMAActive bool
	DMASrc    uint16
	DMAIdx    int
	HDMASrc   uint16
	HDMADst   uint16
	HDMALen   byte
	HDMAArmed bool
	BootEn    bool
}

func (m *MMU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := mmuState{
		WRAM0: m.wram0, WRAMBank: m.wramBank, SVBK: m.svbk, HRAM: m.hram,
		IE: m.ie, IF: m.ifReg, CGBMode: m.cgbMode, DblSpeed: m.doubleSpeed, KEY1Armed: m.key1Armed,
		DMA: m.dma, DMAActive: m.dmaActive, DMASrc: m.dmaSrc, DMAIdx: m.dmaIndex,
		HDMASrc: m.hdmaSrc, HDMADst: m.hdmaDst, HDMALen: m.hdmaLen, HDMAArmed: m.hdmaArmed,
		BootEn: m.bootEnabled,
	}
	_ = enc.Encode(s)
	_ = enc.Encode(m.ppu.SaveState())
	_ = enc.Encode(m.apu.SaveState())
	_ = enc.Encode(m.tmr.SaveState())
	_ = enc.Encode(m.joy.SaveState())
	_ = enc.Encode(m.ser.SaveState())
	if bb, ok := m.cart.(interface{ SaveState() []byte }); ok {
		_ = enc.Encode(bb.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	return buf.Bytes()
}

func (m *MMU) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s mmuState
	if err := dec.Decode(&s); err != nil {
		return
	}
	m.wram0, m.wramBank, m.svbk, m.hram = s.WRAM0, s.WRAMBank, s.SVBK, s.HRAM
	m.ie, m.ifReg, m.cgbMode, m.doubleSpeed, m.key1Armed = s.IE, s.IF, s.CGBMode, s.DblSpeed, s.KEY1Armed
	m.dma, m.dmaActive, m.dmaSrc, m.dmaIndex = s.DMA, s.DMAActive, s.DMASrc, s.DMAIdx
	m.hdmaSrc, m.hdmaDst, m.hdmaLen, m.hdmaArmed = s.HDMASrc, s.HDMADst, s.HDMALen, s.HDMAArmed
	m.bootEnabled = s.BootEn

	var blob []byte
	if err := dec.Decode(&blob); err == nil {
		m.ppu.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		m.apu.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		m.tmr.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		m.joy.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		m.ser.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		if bb, ok := m.cart.(interface{ LoadState([]byte) }); ok {
			bb.LoadState(blob)
		}
	}
}
