package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC2 implements the MBC2 controller: up to 256KB ROM and 512x4-bit
// internal RAM (mirrored across 0xA000-0xBFFF), battery-backed.
// Unlike MBC1/3/5, address bit 8 of the 0x0000-0x3FFF write region selects
// between RAMG and ROMB instead of using two separate address windows.
type MBC2 struct {
	rom []byte
	ram [512]byte // 4-bit nibbles, stored one per byte for simplicity

	romBank    byte // 4 bits (1..15), 0 remapped to 1
	ramEnabled bool
}

func NewMBC2(rom []byte) *MBC2 {
	return &MBC2{rom: rom, romBank: 1}
}

func (m *MBC2) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x0F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		idx := (addr - 0xA000) & 0x01FF
		return 0xF0 | (m.ram[idx] & 0x0F)
	default:
		return 0xFF
	}
}

func (m *MBC2) Write(addr uint16, value byte) {
	switch {
	case addr < 0x4000:
		// Address bit 8 selects RAMG (0) or ROMB (1) across the whole
		// 0x0000-0x3FFF range.
		if addr&0x0100 == 0 {
			m.ramEnabled = value&0x0F == 0x0A
		} else {
			bank := value & 0x0F
			if bank == 0 {
				bank = 1
			}
			m.romBank = bank
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.ramEnabled {
			idx := (addr - 0xA000) & 0x01FF
			m.ram[idx] = value & 0x0F
		}
	}
}

func (m *MBC2) SaveRAM() []byte {
	out := make([]byte, len(m.ram))
	copy(out, m.ram[:])
	return out
}

func (m *MBC2) LoadRAM(data []byte) {
	n := copy(m.ram[:], data)
	_ = n
}

type mbc2State struct {
	RAM        [512]byte
	ROMBank    byte
	RAMEnabled bool
}

func (m *MBC2) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc2State{RAM: m.ram, ROMBank: m.romBank, RAMEnabled: m.ramEnabled})
	return buf.Bytes()
}

func (m *MBC2) LoadState(data []byte) {
	var s mbc2State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.ram = s.RAM
	m.romBank = s.ROMBank
	m.ramEnabled = s.RAMEnabled
}
