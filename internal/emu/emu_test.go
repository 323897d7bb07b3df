package emu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func blankROM() []byte {
	rom := make([]byte, 0x8000)
	copy(rom[0x0134:0x0144], []byte("TESTROM"))
	return rom
}

func TestMachineStepFrameAdvancesFramebuffer(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.LoadCartridge(blankROM(), nil))

	fb := m.Framebuffer()
	require.Len(t, fb, 160*144*4)

	// StepFrame must terminate: the PPU's frame-ready latch fires exactly
	// once per 154-scanline frame regardless of what the CPU executes.
	m.StepFrame()
}

func TestMachineSaveStateRoundTrip(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.LoadCartridge(blankROM(), nil))
	m.StepFrame()

	wantPC := m.cpu.PC
	wantA := m.cpu.A

	blob := m.SaveState()
	require.NotEmpty(t, blob)

	// mutate live state, then restore it from the snapshot
	m.cpu.PC = 0xDEAD
	m.cpu.A = 0x00

	require.NoError(t, m.LoadState(blob))
	require.Equal(t, wantPC, m.cpu.PC)
	require.Equal(t, wantA, m.cpu.A)
}

func TestMachineCompatPaletteAppliesOnlyToDMGOnlyCarts(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.LoadCartridge(blankROM(), nil))
	require.True(t, m.IsCGBCompat(), "cart with CGBFlag=0 is DMG-only")

	require.False(t, m.WantCGBColors(), "colorization defaults off until requested")
	m.SetUseCGBBG(true)
	require.True(t, m.UseCGBBG())

	name := m.CompatPaletteName(m.CurrentCompatPalette())
	require.NotEmpty(t, name)

	m.CycleCompatPalette(1)
	require.NotEmpty(t, m.CompatPaletteName(m.CurrentCompatPalette()), "cycling stays within the palette table")
}

func TestMachineBatteryRAMRoundTrip(t *testing.T) {
	m := New(Config{})
	rom := blankROM()
	rom[0x0147] = 0x03 // MBC1+RAM+BATTERY
	rom[0x0149] = 0x02 // 8KB RAM
	require.NoError(t, m.LoadCartridge(rom, nil))

	saved, ok := m.SaveBattery()
	require.True(t, ok)

	modified := append([]byte(nil), saved...)
	if len(modified) > 0 {
		modified[0] = 0x42
	}
	require.True(t, m.LoadBattery(modified))

	got, ok := m.SaveBattery()
	require.True(t, ok)
	require.Equal(t, modified, got)
}
