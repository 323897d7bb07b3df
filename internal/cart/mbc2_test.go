package cart

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMBC2_InternalRAMNibbles(t *testing.T) {
	rom := make([]byte, 0x4000*4)
	m := NewMBC2(rom)

	m.Write(0x0000, 0x0A) // bit8 clear -> RAMG enable
	m.Write(0xA000, 0xF7)
	require.Equal(t, byte(0xF0|0x07), m.Read(0xA000), "upper nibble must read back as 1s")

	// Mirrors across the whole 0xA000-0xBFFF window (512 nibble mask).
	require.Equal(t, m.Read(0xA000), m.Read(0xA200))
}

func TestMBC2_ROMBankSelect(t *testing.T) {
	rom := make([]byte, 0x4000*4)
	for bank := 0; bank < 4; bank++ {
		rom[bank*0x4000] = byte(bank)
	}
	m := NewMBC2(rom)

	m.Write(0x0100, 0x02) // bit8 set -> ROMB select
	require.Equal(t, byte(0x02), m.Read(0x4000))

	m.Write(0x0100, 0x00) // bank 0 remaps to 1
	require.Equal(t, byte(0x01), m.Read(0x4000))
}

func TestNewCartridge_DispatchesMBC2(t *testing.T) {
	rom := buildROM("T", 0x06, 0x01, 0x00, 64*1024)
	c := NewCartridge(rom)
	_, ok := c.(*MBC2)
	require.True(t, ok, "cart type 0x06 must dispatch to MBC2")
}
