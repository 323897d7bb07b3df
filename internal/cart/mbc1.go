package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC1 implements ROM/RAM banking up to 2MB ROM / 32KB RAM, plus the
// multicart variant found on some 1MB compilation carts (4-bit low ROM
// bank window instead of 5-bit, so the two high bits select a ROM "game"
// rather than extending the bank number).
type MBC1 struct {
	rom []byte
	ram []byte

	romBankLow5       byte // lower bits of ROM bank number (0->1 remapped); 4 bits wide when multicart
	ramBankOrRomHigh2 byte // either RAM bank (mode1) or ROM bank high bits (mode0)
	ramEnabled        bool
	modeSelect        byte // 0: ROM banking (default), 1: RAM banking
	multicart         bool
}

func NewMBC1(rom []byte, ramSize int) *MBC1 {
	m := &MBC1{rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBankLow5 = 1
	// Multicart carts are 1MB (64 banks) MBC1 compilations; the low ROM-bank
	// window narrows to 4 bits so the upper 2 bits pick which 256KB game is
	// active instead of extending the bank count further.
	m.multicart = len(rom) == 1024*1024
	return m
}

func (m *MBC1) lowBankBits() byte {
	if m.multicart {
		return 0x0F
	}
	return 0x1F
}

func (m *MBC1) effectiveROMBank() byte {
	high := m.ramBankOrRomHigh2 & 0x03
	if m.multicart {
		return (m.romBankLow5 & 0x0F) | (high << 4)
	}
	return (m.romBankLow5 & 0x1F) | (high << 5)
}

func (m *MBC1) zeroBank() int {
	if m.modeSelect != 1 {
		return 0
	}
	high := int(m.ramBankOrRomHigh2 & 0x03)
	if m.multicart {
		return high << 4
	}
	return high << 5
}

func (m *MBC1) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		bank := m.zeroBank()
		off := bank*0x4000 + int(addr)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.effectiveROMBank())
		off := bank*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		ramBank := 0
		if m.modeSelect == 1 {
			ramBank = int(m.ramBankOrRomHigh2 & 0x03)
		}
		off := ramBank*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC1) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		low := value & m.lowBankBits()
		if low == 0 {
			low = 1
		}
		m.romBankLow5 = low
	case addr < 0x6000:
		m.ramBankOrRomHigh2 = value & 0x03
	case addr < 0x8000:
		m.modeSelect = value & 0x01
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		ramBank := 0
		if m.modeSelect == 1 {
			ramBank = int(m.ramBankOrRomHigh2 & 0x03)
		}
		off := ramBank*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

func (m *MBC1) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC1) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc1State struct {
	RAM               []byte
	RAMEnabled        bool
	ROMBankLow5       byte
	RAMBankOrRomHigh2 byte
	ModeSelect        byte
}

func (m *MBC1) SaveState() []byte {
	s := mbc1State{
		RAM: m.SaveRAM(), RAMEnabled: m.ramEnabled, ROMBankLow5: m.romBankLow5,
		RAMBankOrRomHigh2: m.ramBankOrRomHigh2, ModeSelect: m.modeSelect,
	}
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

func (m *MBC1) LoadState(data []byte) {
	var s mbc1State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.LoadRAM(s.RAM)
	m.ramEnabled, m.romBankLow5 = s.RAMEnabled, s.ROMBankLow5
	m.ramBankOrRomHigh2, m.modeSelect = s.RAMBankOrRomHigh2, s.ModeSelect
}
