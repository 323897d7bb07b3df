package cart

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"time"
)

const (
	rtcCyclesPerSecond = 4_194_304
	rtcFileMagic       = "RTC1"
	rtcFileVersion     = 1
)

// rtc models the MBC3 real-time-clock block: five latched/unlatched
// registers (seconds, minutes, hours, day-low, day-high+halt+carry) plus a
// sub-second CPU-cycle accumulator so elapsed real time maps onto CPU
// cycles exactly instead of drifting with floating point.
type rtc struct {
	seconds, minutes, hours byte
	days                    uint16 // 9 bits
	halt                    bool
	carry                   bool

	latchedSeconds, latchedMinutes, latchedHours byte
	latchedDays                                  uint16
	latchedHalt, latchedCarry                    bool

	subsecondCycles uint32
	lastUpdate      time.Time
}

func newRTC(now time.Time) *rtc {
	return &rtc{lastUpdate: now}
}

func (r *rtc) controlByte(days uint16, halt, carry bool) byte {
	out := byte(days>>8) & 0x01
	if halt {
		out |= 0x40
	}
	if carry {
		out |= 0x80
	}
	return out
}

func (r *rtc) latch() {
	r.latchedSeconds, r.latchedMinutes, r.latchedHours = r.seconds, r.minutes, r.hours
	r.latchedDays, r.latchedHalt, r.latchedCarry = r.days, r.halt, r.carry
}

func (r *rtc) readLatched(reg byte) byte {
	switch reg {
	case 0x08:
		return r.latchedSeconds & 0x3F
	case 0x09:
		return r.latchedMinutes & 0x3F
	case 0x0A:
		return r.latchedHours & 0x1F
	case 0x0B:
		return byte(r.latchedDays)
	case 0x0C:
		return r.controlByte(r.latchedDays, r.latchedHalt, r.latchedCarry)
	default:
		return 0xFF
	}
}

func (r *rtc) writeRegister(reg, value byte) {
	switch reg {
	case 0x08:
		r.seconds = value & 0x3F
		r.subsecondCycles = 0
	case 0x09:
		r.minutes = value & 0x3F
	case 0x0A:
		r.hours = value & 0x1F
	case 0x0B:
		r.days = (r.days & 0x0100) | uint16(value)
	case 0x0C:
		r.days = (r.days & 0x00FF) | (uint16(value&0x01) << 8)
		r.halt = value&0x40 != 0
		r.carry = value&0x80 != 0
	}
	r.latch()
}

// step advances the RTC by cpuCycles clock cycles of the fixed 4.194304MHz
// crystal, independent of CPU double-speed mode.
func (r *rtc) step(cpuCycles uint64) {
	if r.halt {
		return
	}
	r.addCycles(cpuCycles)
}

func (r *rtc) syncWall(now time.Time) {
	elapsed := now.Sub(r.lastUpdate)
	r.lastUpdate = now
	if r.halt || elapsed <= 0 {
		return
	}
	cycles := uint64(elapsed.Seconds() * rtcCyclesPerSecond)
	r.addCycles(cycles)
}

func (r *rtc) addCycles(cycles uint64) {
	seconds := cycles / rtcCyclesPerSecond
	rem := uint32(cycles % rtcCyclesPerSecond)

	sub := r.subsecondCycles + rem
	if sub >= rtcCyclesPerSecond {
		sub -= rtcCyclesPerSecond
		seconds++
	}
	r.subsecondCycles = sub

	if seconds > 0 {
		r.advanceSeconds(seconds)
	}
}

func (r *rtc) advanceSeconds(seconds uint64) {
	for seconds > 0 {
		untilMinute := r.secondsUntilMinuteTick()
		if seconds < untilMinute {
			r.seconds = byte((uint64(r.seconds) + seconds) & 0x3F)
			return
		}
		seconds -= untilMinute
		r.seconds = 0
		r.minuteTick()
	}
}

func (r *rtc) secondsUntilMinuteTick() uint64 {
	sec := uint64(r.seconds)
	if sec <= 59 {
		return 60 - sec
	}
	return (63 - sec + 1) + 60
}

func (r *rtc) minuteTick() {
	overflow := r.minutes == 59
	r.minutes = byte((uint16(r.minutes) + 1) & 0x3F)
	if overflow {
		r.minutes = 0
		r.hourTick()
	}
}

func (r *rtc) hourTick() {
	overflow := r.hours == 23
	r.hours = byte((uint16(r.hours) + 1) & 0x1F)
	if overflow {
		r.hours = 0
		r.dayTick()
	}
}

func (r *rtc) dayTick() {
	if r.days >= 0x01FF {
		r.days = 0
		r.carry = true
	} else {
		r.days = (r.days + 1) & 0x01FF
	}
}

// serialize produces the 23-byte "RTC1" external persistence format.
func (r *rtc) serialize() []byte {
	buf := make([]byte, 0, 23)
	buf = append(buf, rtcFileMagic...)
	buf = append(buf, rtcFileVersion)

	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], uint64(r.lastUpdate.Unix()))
	buf = append(buf, tmp8[:]...)

	subsecondNanos := uint32((uint64(r.subsecondCycles) * 1_000_000_000) / rtcCyclesPerSecond)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], subsecondNanos)
	buf = append(buf, tmp4[:]...)

	buf = append(buf, r.seconds&0x3F, r.minutes&0x3F, r.hours&0x1F)

	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], r.days&0x01FF)
	buf = append(buf, tmp2[:]...)

	var flags byte
	if r.halt {
		flags |= 0x01
	}
	if r.carry {
		flags |= 0x02
	}
	return append(buf, flags)
}

func (r *rtc) loadFromBytes(data []byte) bool {
	if len(data) < 23 || string(data[:4]) != rtcFileMagic || data[4] != rtcFileVersion {
		return false
	}
	secs := int64(binary.LittleEndian.Uint64(data[5:13]))
	nanos := binary.LittleEndian.Uint32(data[13:17])
	if nanos > 999_999_999 {
		nanos = 999_999_999
	}
	r.lastUpdate = time.Unix(secs, 0)
	r.subsecondCycles = uint32((uint64(nanos) * rtcCyclesPerSecond) / 1_000_000_000)
	r.seconds = data[17] & 0x3F
	r.minutes = data[18] & 0x3F
	r.hours = data[19] & 0x1F
	r.days = binary.LittleEndian.Uint16(data[20:22]) & 0x01FF
	flags := data[22]
	r.halt = flags&0x01 != 0
	r.carry = flags&0x02 != 0
	r.latch()
	return true
}

// MBC3 implements ROM/RAM banking plus the optional real-time clock
// (cart types 0x0F-0x13). mbc30 selects the 8-RAM-bank variant found on
// some larger MBC3 carts, detected by RAM size since both variants share
// the same cart-type byte range.
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled   bool
	romBank      byte // 7 bits, 0 remapped to 1
	ramBank      byte // 0..3 (plain) or 0..7 (mbc30); 0x08-0x0C selects an RTC register
	latchPending bool
	mbc30        bool

	rtc *rtc // nil when the cart has no RTC
}

func NewMBC3(rom []byte, ramSize int, hasRTC bool, now time.Time) *MBC3 {
	m := &MBC3{rom: rom, romBank: 1}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.mbc30 = ramSize > 32*1024
	if hasRTC {
		m.rtc = newRTC(now)
	}
	return m
}

func (m *MBC3) ramBankMask() byte {
	if m.mbc30 {
		return 0x07
	}
	return 0x03
}

func (m *MBC3) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := m.romBank
		if bank == 0 {
			bank = 1
		}
		off := int(bank)*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.ramBank <= m.ramBankMask() {
			off := int(m.ramBank)*0x2000 + int(addr-0xA000)
			if off >= 0 && off < len(m.ram) {
				return m.ram[off]
			}
			return 0xFF
		}
		if m.ramBank >= 0x08 && m.ramBank <= 0x0C && m.rtc != nil {
			return m.rtc.readLatched(m.ramBank)
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = value&0x0F == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		if value <= m.ramBankMask() || (value >= 0x08 && value <= 0x0C) {
			m.ramBank = value
		}
	case addr < 0x8000:
		if value == 0 {
			m.latchPending = true
		} else if value == 1 && m.latchPending {
			if m.rtc != nil {
				m.rtc.latch()
			}
			m.latchPending = false
		} else {
			m.latchPending = false
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.ramBank <= m.ramBankMask() {
			off := int(m.ramBank)*0x2000 + int(addr-0xA000)
			if off >= 0 && off < len(m.ram) {
				m.ram[off] = value
			}
			return
		}
		if m.ramBank >= 0x08 && m.ramBank <= 0x0C && m.rtc != nil {
			m.rtc.writeRegister(m.ramBank, value)
		}
	}
}

// StepRTC advances the real-time clock by cpuCycles CPU clock cycles.
// Called by the MMU once per CPU tick, independent of CPU double-speed
// mode (the RTC crystal runs at a fixed rate).
func (m *MBC3) StepRTC(cpuCycles int) {
	if m.rtc != nil {
		m.rtc.step(uint64(cpuCycles))
	}
}

// HasRTC reports whether this cartridge exposes RTC registers.
func (m *MBC3) HasRTC() bool { return m.rtc != nil }

// SyncRTCWallClock catches the RTC up to the current wall-clock time; used
// when resuming a save after the host process was closed.
func (m *MBC3) SyncRTCWallClock(now time.Time) {
	if m.rtc != nil {
		m.rtc.syncWall(now)
		m.rtc.latch()
	}
}

// SaveRTCFile returns the 23-byte "RTC1" external persistence blob, or nil
// if this cart has no RTC.
func (m *MBC3) SaveRTCFile() []byte {
	if m.rtc == nil {
		return nil
	}
	return m.rtc.serialize()
}

// LoadRTCFile restores RTC state from a previously saved "RTC1" blob.
func (m *MBC3) LoadRTCFile(data []byte) bool {
	if m.rtc == nil {
		return false
	}
	return m.rtc.loadFromBytes(data)
}

func (m *MBC3) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc3State struct {
	RAM          []byte
	RAMEnabled   bool
	ROMBank      byte
	RAMBank      byte
	LatchPending bool
	HasRTC       bool
	RTCBlob      []byte
}

func (m *MBC3) SaveState() []byte {
	s := mbc3State{
		RAM: m.SaveRAM(), RAMEnabled: m.ramEnabled, ROMBank: m.romBank,
		RAMBank: m.ramBank, LatchPending: m.latchPending, HasRTC: m.rtc != nil,
	}
	if m.rtc != nil {
		s.RTCBlob = m.rtc.serialize()
	}
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.LoadRAM(s.RAM)
	m.ramEnabled, m.romBank, m.ramBank, m.latchPending = s.RAMEnabled, s.ROMBank, s.RAMBank, s.LatchPending
	if s.HasRTC && m.rtc != nil {
		m.rtc.loadFromBytes(s.RTCBlob)
	}
}
