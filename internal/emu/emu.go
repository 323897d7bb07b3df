// Package emu assembles the leaf components (cartridge, MMU, CPU) into the
// top-level GameBoy machine the host drives: step_frame, joypad input, and
// audio/video pulls, per the "owns CPU+MMU" contract.
package emu

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gbcore/internal/cart"
	"gbcore/internal/cpu"
	"gbcore/internal/gblog"
	"gbcore/internal/mmu"
)

// Buttons is the joypad input snapshot the host supplies every update.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= mmu.Right
	}
	if b.Left {
		m |= mmu.Left
	}
	if b.Up {
		m |= mmu.Up
	}
	if b.Down {
		m |= mmu.Down
	}
	if b.A {
		m |= mmu.A
	}
	if b.B {
		m |= mmu.B
	}
	if b.Select {
		m |= mmu.SelectBtn
	}
	if b.Start {
		m |= mmu.Start
	}
	return m
}

// Machine owns the CPU and MMU and exposes the host-facing surface: load a
// cartridge, step whole frames, push joypad state, and pull rendered video
// and audio.
type Machine struct {
	cfg Config

	cpu *cpu.CPU
	bus *mmu.MMU

	bootROM []byte

	romPath  string
	romTitle string
	cgbFlag  byte

	wantCGBColors bool // user preference: colorize DMG-only carts
	compatID      int  // currently selected compat palette

	log *gblog.Logger
}

// New constructs a Machine with no cartridge loaded; LoadCartridge (or
// LoadROMFromFile) must be called before stepping frames meaningfully.
func New(cfg Config) *Machine {
	m := &Machine{cfg: cfg, log: gblog.Default()}
	m.bus = mmu.New(make([]byte, 0x8000))
	m.cpu = cpu.New(m.bus)
	m.cpu.ResetNoBoot()
	return m
}

// SetBootROM stashes a boot ROM image to be applied on the next
// LoadCartridge/ResetWithBoot, or immediately if a cartridge is already
// loaded.
func (m *Machine) SetBootROM(data []byte) {
	m.bootROM = append([]byte(nil), data...)
	if m.bus != nil {
		m.bus.SetBootROM(m.bootROM)
	}
}

// LoadCartridge parses the ROM header, wires a fresh MMU/CPU pair around
// the matching cartridge implementation, and resets to post-boot state
// (or boot-ROM entry, if boot is non-empty).
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	if !cart.HeaderChecksumOK(rom) {
		m.log.Warnf("header checksum mismatch for %q; continuing with header as read", h.Title)
	}
	cgbMode := h.CGBFlag&0x80 != 0 || h.CGBFlag&0xC0 != 0

	c := cart.NewCartridge(rom)
	m.bus = mmu.NewWithCartridge(c, cgbMode)
	m.cpu = cpu.New(m.bus)
	m.romTitle = h.Title
	m.cgbFlag = h.CGBFlag

	if len(boot) >= 0x100 {
		m.bootROM = append([]byte(nil), boot...)
	}
	if len(m.bootROM) >= 0x100 {
		m.bus.SetBootROM(m.bootROM)
		m.ResetWithBoot()
	} else {
		m.ResetPostBoot()
	}

	if id, ok := autoCompatPaletteFromHeader(h); ok {
		m.compatID = id
	}
	m.applyCompatPalette()
	return nil
}

// LoadROMFromFile reads rom from disk, loads it (with whatever boot ROM is
// already staged), and records the path for save-RAM/save-state naming and
// per-ROM preference lookups.
func (m *Machine) LoadROMFromFile(path string) error {
	rom, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rom %s: %w", path, err)
	}
	if err := m.LoadCartridge(rom, m.bootROM); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the path LoadROMFromFile was last called with, or "" if
// the current cartridge was loaded via LoadCartridge directly.
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header title, with trailing NUL bytes
// trimmed and its case as stored in the header.
func (m *Machine) ROMTitle() string { return m.romTitle }

// IsCGBCompat reports whether the loaded cartridge is DMG-only (not CGB or
// CGB-enhanced) and therefore eligible for GBC-style compat colorization.
func (m *Machine) IsCGBCompat() bool {
	return m.cgbFlag&0x80 == 0 && m.cgbFlag&0xC0 == 0
}

// WantCGBColors reports whether the user has asked for CGB colorization of
// a DMG-only cartridge (or, for a real CGB cartridge, is simply running in
// its native color mode).
func (m *Machine) WantCGBColors() bool {
	if !m.IsCGBCompat() {
		return true
	}
	return m.wantCGBColors
}

// UseCGBBG reports whether the PPU is currently applying compat coloring.
func (m *Machine) UseCGBBG() bool {
	if m.bus == nil || m.bus.PPU() == nil {
		return false
	}
	return m.wantCGBColors && m.IsCGBCompat()
}

// SetUseCGBBG toggles the user's CGB-colorization preference for a DMG-only
// cartridge and applies it to the PPU at once (compat palette or back to
// grayscale); the UI pairs this with ResetCGBPostBoot or ResetPostBoot so
// the change takes effect from a clean frame.
func (m *Machine) SetUseCGBBG(v bool) {
	m.wantCGBColors = v
	m.applyCompatPalette()
}

// CurrentCompatPalette returns the index of the active compat palette.
func (m *Machine) CurrentCompatPalette() int { return m.compatID }

// CompatPaletteName returns the display name of compat palette id, or ""
// if id is out of range.
func (m *Machine) CompatPaletteName(id int) string {
	if id < 0 || id >= len(cgbCompatSets) {
		return ""
	}
	return cgbCompatSets[id].Name
}

// CycleCompatPalette advances the active compat palette by delta (may be
// negative), wrapping, and re-applies it.
func (m *Machine) CycleCompatPalette(delta int) {
	n := len(cgbCompatSets)
	m.compatID = ((m.compatID+delta)%n + n) % n
	m.applyCompatPalette()
}

// SetCompatPalette selects a specific compat palette by id.
func (m *Machine) SetCompatPalette(id int) {
	if id < 0 || id >= len(cgbCompatSets) {
		return
	}
	m.compatID = id
	m.applyCompatPalette()
}

func (m *Machine) applyCompatPalette() {
	if m.bus == nil || m.bus.PPU() == nil {
		return
	}
	enabled := m.wantCGBColors && m.IsCGBCompat()
	set := cgbCompatSets[m.compatID]
	m.bus.PPU().SetCompatPalette(enabled, set.BG, set.OBJ0, set.OBJ1)
}

// SetUseFetcherBG is a UI-facing toggle retained for menu compatibility;
// the PPU's scanline renderer is unconditionally the pixel-FIFO fetcher
// pipeline described in the PPU package, so this only affects what the
// settings menu displays.
func (m *Machine) SetUseFetcherBG(bool) {}

// ResetPostBoot leaves the CPU at the DMG post-boot register defaults
// (cpu.ResetNoBoot), skipping boot ROM execution. The same register values
// are used in CGB mode.
func (m *Machine) ResetPostBoot() {
	m.bus.SetBootROM(nil)
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	m.postBootIODefaults()
}

// ResetWithBoot restarts execution from 0x0000 through the staged boot ROM.
func (m *Machine) ResetWithBoot() {
	if len(m.bootROM) < 0x100 {
		m.ResetPostBoot()
		return
	}
	m.bus.SetBootROM(m.bootROM)
	m.cpu.SetPC(0x0000)
	m.cpu.SP = 0xFFFE
}

// ResetCGBPostBoot runs ResetPostBoot (the same DMG post-boot register
// values) and re-applies the compat palette; it is used when the user
// toggles colorization on mid-session. The selected compat palette is kept
// whether keepPalette is true or false; it is not re-derived from the header.
func (m *Machine) ResetCGBPostBoot(keepPalette bool) {
	id := m.compatID
	m.ResetPostBoot()
	if keepPalette {
		m.compatID = id
	}
	m.applyCompatPalette()
}

func (m *Machine) postBootIODefaults() {
	w := m.bus.Write
	w(0xFF00, 0xCF)
	w(0xFF05, 0x00)
	w(0xFF06, 0x00)
	w(0xFF07, 0x00)
	w(0xFF40, 0x91)
	w(0xFF42, 0x00)
	w(0xFF43, 0x00)
	w(0xFF45, 0x00)
	w(0xFF47, 0xFC)
	w(0xFF48, 0xFF)
	w(0xFF49, 0xFF)
	w(0xFF4A, 0x00)
	w(0xFF4B, 0x00)
	w(0xFFFF, 0x00)
}

// SetSerialWriter mirrors completed outgoing serial bytes to w; used by
// headless harnesses to watch for a test ROM's pass/fail banner.
func (m *Machine) SetSerialWriter(w io.Writer) { m.bus.SetSerialWriter(w) }

// SetButtons latches the joypad state the CPU will see starting with the
// next tick.
func (m *Machine) SetButtons(b Buttons) { m.bus.SetJoypadState(b.mask()) }

// StepFrame runs the CPU (servicing interrupts after every instruction,
// same as step()) until the PPU's frame-ready latch fires, then clears it.
// This is the per-video-frame contract the host's render loop calls once.
func (m *Machine) StepFrame() {
	ppu := m.bus.PPU()
	for !ppu.FrameReady() {
		m.cpu.Step()
	}
	ppu.ClearFrameFlag()
}

// StepFrameNoRender is StepFrame without consuming the rendered result;
// used for turbo/fast-forward where only the final frame of a burst is
// displayed. The PPU still renders every scanline (no shortcuts are taken
// with OAM/VRAM timing), so this differs from StepFrame only in that the
// caller is not about to read Framebuffer.
func (m *Machine) StepFrameNoRender() { m.StepFrame() }

// Framebuffer returns the current 160x144 RGBA pixel buffer.
func (m *Machine) Framebuffer() []byte { return m.bus.PPU().Framebuffer() }

// APUBufferedStereo reports the number of stereo sample frames currently
// queued for playback.
func (m *Machine) APUBufferedStereo() int { return m.bus.APU().StereoAvailable() }

// APUPullStereo drains up to max stereo frames as interleaved int16 L,R,...
func (m *Machine) APUPullStereo(max int) []int16 { return m.bus.APU().PullStereo(max) }

// APUCapBufferedStereo drops the oldest buffered frames until at most max
// remain, bounding playback latency.
func (m *Machine) APUCapBufferedStereo(max int) { m.bus.APU().CapStereoBuffered(max) }

// APUClearAudioLatency discards all buffered audio, used when (re)starting
// playback after a period of silence.
func (m *Machine) APUClearAudioLatency() { m.bus.APU().ClearStereoBuffer() }

// LoadBattery restores external-RAM bytes into the cartridge, when the
// cartridge implementation is battery-backed. Returns false if the
// cartridge has no battery RAM to load into.
func (m *Machine) LoadBattery(data []byte) bool {
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns a copy of the cartridge's external RAM, if any.
func (m *Machine) SaveBattery() ([]byte, bool) {
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	return bb.SaveRAM(), true
}

// cpuState is the CPU-register slice of a save state; the MMU (which owns
// PPU/APU/timer/serial/joypad/cartridge state) serializes the rest.
type cpuState struct {
	A, F, B, C, D, E, H, L byte
	SP, PC                 uint16
	IME, Halted, Stopped   bool
}

// SaveState returns a self-contained snapshot of CPU registers plus every
// MMU-owned device, suitable for LoadState.
func (m *Machine) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	cs := cpuState{
		A: m.cpu.A, F: m.cpu.F, B: m.cpu.B, C: m.cpu.C, D: m.cpu.D, E: m.cpu.E, H: m.cpu.H, L: m.cpu.L,
		SP: m.cpu.SP, PC: m.cpu.PC, IME: m.cpu.IME, Halted: m.cpu.Halted(), Stopped: m.cpu.Stopped(),
	}
	_ = enc.Encode(cs)
	_ = enc.Encode(m.bus.SaveState())
	return buf.Bytes()
}

// LoadState restores a snapshot produced by SaveState.
func (m *Machine) LoadState(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var cs cpuState
	if err := dec.Decode(&cs); err != nil {
		return fmt.Errorf("decode cpu state: %w", err)
	}
	var mmuBlob []byte
	if err := dec.Decode(&mmuBlob); err != nil {
		return fmt.Errorf("decode mmu state: %w", err)
	}
	m.cpu.A, m.cpu.F, m.cpu.B, m.cpu.C = cs.A, cs.F, cs.B, cs.C
	m.cpu.D, m.cpu.E, m.cpu.H, m.cpu.L = cs.D, cs.E, cs.H, cs.L
	m.cpu.SP, m.cpu.PC, m.cpu.IME = cs.SP, cs.PC, cs.IME
	m.cpu.SetHalted(cs.Halted)
	m.cpu.SetStopped(cs.Stopped)
	m.bus.LoadState(mmuBlob)
	return nil
}

// SaveStateToFile writes SaveState's output to path.
func (m *Machine) SaveStateToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, m.SaveState(), 0644)
}

// LoadStateFromFile reads and applies a save state written by SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}

// compatPaletteSet is one GBC-style canned coloring for a DMG-only cartridge.
type compatPaletteSet struct {
	Name             string
	BG, OBJ0, OBJ1   [4][3]byte
}

// cgbCompatSets mirrors the small built-in palette menu a real Game Boy
// Color offers a monochrome cartridge (accessed on real hardware via a
// boot-time button-combo easter egg); shade index 0 is the lightest, 3 the
// darkest, matching the DMG BGP/OBPn shade ordering.
var cgbCompatSets = []compatPaletteSet{
	{ // 0: Green, Zelda-style
		Name: "Green",
		BG:   [4][3]byte{{0xE0, 0xF8, 0xD0}, {0x88, 0xC0, 0x70}, {0x34, 0x68, 0x56}, {0x08, 0x18, 0x20}},
		OBJ0: [4][3]byte{{0xF8, 0xF8, 0xF8}, {0xB0, 0xB0, 0xB0}, {0x60, 0x60, 0x60}, {0x00, 0x00, 0x00}},
		OBJ1: [4][3]byte{{0xE0, 0xF8, 0xD0}, {0x88, 0xC0, 0x70}, {0x34, 0x68, 0x56}, {0x08, 0x18, 0x20}},
	},
	{ // 1: Sepia, Donkey Kong-style
		Name: "Sepia",
		BG:   [4][3]byte{{0xF8, 0xE8, 0xC8}, {0xD0, 0xA8, 0x78}, {0x80, 0x60, 0x40}, {0x30, 0x20, 0x10}},
		OBJ0: [4][3]byte{{0xF8, 0xF0, 0xD8}, {0xC0, 0x98, 0x68}, {0x70, 0x50, 0x30}, {0x20, 0x10, 0x08}},
		OBJ1: [4][3]byte{{0xF8, 0xE8, 0xC8}, {0xD0, 0xA8, 0x78}, {0x80, 0x60, 0x40}, {0x30, 0x20, 0x10}},
	},
	{ // 2: Blue, Tetris/Mega Man-style
		Name: "Blue",
		BG:   [4][3]byte{{0xE0, 0xF0, 0xF8}, {0x78, 0xA8, 0xD8}, {0x38, 0x58, 0x90}, {0x10, 0x18, 0x38}},
		OBJ0: [4][3]byte{{0xF8, 0xF8, 0xF8}, {0xB0, 0xB0, 0xD8}, {0x60, 0x60, 0x90}, {0x00, 0x00, 0x30}},
		OBJ1: [4][3]byte{{0xE0, 0xF0, 0xF8}, {0x78, 0xA8, 0xD8}, {0x38, 0x58, 0x90}, {0x10, 0x18, 0x38}},
	},
	{ // 3: Red, Mario-style
		Name: "Red",
		BG:   [4][3]byte{{0xF8, 0xE0, 0xE0}, {0xE0, 0x90, 0x78}, {0x98, 0x40, 0x38}, {0x30, 0x08, 0x10}},
		OBJ0: [4][3]byte{{0xF8, 0xF8, 0xE0}, {0xE8, 0xB8, 0x58}, {0x90, 0x68, 0x20}, {0x30, 0x20, 0x08}},
		OBJ1: [4][3]byte{{0xF8, 0xE0, 0xE0}, {0xE0, 0x90, 0x78}, {0x98, 0x40, 0x38}, {0x30, 0x08, 0x10}},
	},
	{ // 4: Pastel, Kirby/Pokemon-style
		Name: "Pastel",
		BG:   [4][3]byte{{0xF8, 0xE8, 0xF8}, {0xE0, 0xB0, 0xD8}, {0xA0, 0x68, 0x98}, {0x40, 0x20, 0x48}},
		OBJ0: [4][3]byte{{0xF8, 0xF8, 0xF8}, {0xC8, 0xC8, 0xF0}, {0x78, 0x78, 0xB0}, {0x20, 0x20, 0x48}},
		OBJ1: [4][3]byte{{0xF8, 0xE8, 0xF8}, {0xE0, 0xB0, 0xD8}, {0xA0, 0x68, 0x98}, {0x40, 0x20, 0x48}},
	},
	{ // 5: Classic grayscale-ish fallback used for titles no heuristic matches
		Name: "Classic",
		BG:   [4][3]byte{{0xFF, 0xFF, 0xFF}, {0xAA, 0xAA, 0xAA}, {0x55, 0x55, 0x55}, {0x00, 0x00, 0x00}},
		OBJ0: [4][3]byte{{0xFF, 0xFF, 0xFF}, {0xAA, 0xAA, 0xAA}, {0x55, 0x55, 0x55}, {0x00, 0x00, 0x00}},
		OBJ1: [4][3]byte{{0xFF, 0xFF, 0xFF}, {0xAA, 0xAA, 0xAA}, {0x55, 0x55, 0x55}, {0x00, 0x00, 0x00}},
	},
}
