package cart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMBC3_RTC_LatchAndRead(t *testing.T) {
	rom := make([]byte, 0x8000)
	base := time.Unix(1000, 0)
	m := NewMBC3(rom, 0x2000, true, base)

	m.Write(0x0000, 0x0A) // RAM enable
	m.rtc.seconds, m.rtc.minutes, m.rtc.hours, m.rtc.days = 5, 6, 7, 0x101
	m.rtc.halt, m.rtc.carry = false, false

	m.Write(0x6000, 0x00) // latch sequence: 0 then 1
	m.Write(0x6000, 0x01)

	m.Write(0x4000, 0x08)
	require.Equal(t, byte(5), m.Read(0xA000))

	m.rtc.seconds = 30
	require.Equal(t, byte(5), m.Read(0xA000), "latched read must not see live register changes")

	m.Write(0x4000, 0x0B)
	require.Equal(t, byte(0x01), m.Read(0xA000))

	m.Write(0x4000, 0x0C)
	got := m.Read(0xA000)
	require.NotZero(t, got&0x01, "day-high bit should be latched set")
	require.Zero(t, got&0x40, "halt bit should not be set")
}

func TestMBC3_RTC_AdvanceAndPersist(t *testing.T) {
	rom := make([]byte, 0x8000)
	base := time.Unix(1000, 0)
	m := NewMBC3(rom, 0x2000, true, base)
	m.rtc.seconds, m.rtc.minutes, m.rtc.hours, m.rtc.days = 30, 59, 23, 0x1FF

	m.StepRTC(rtcCyclesPerSecond * 60)
	require.Equal(t, byte(30), m.rtc.seconds)
	require.Equal(t, byte(0), m.rtc.minutes)
	require.Equal(t, byte(0), m.rtc.hours)
	require.Equal(t, uint16(0), m.rtc.days)
	require.True(t, m.rtc.carry, "day overflow from 0x1FF must set the carry flag")

	blob := m.SaveRTCFile()
	require.Len(t, blob, 23)

	n := NewMBC3(rom, 0x2000, true, base)
	require.True(t, n.LoadRTCFile(blob))
	require.Equal(t, m.rtc.seconds, n.rtc.seconds)
	require.Equal(t, m.rtc.minutes, n.rtc.minutes)
	require.Equal(t, m.rtc.hours, n.rtc.hours)
	require.Equal(t, m.rtc.days, n.rtc.days)
}

func TestMBC3_MBC30_EightRAMBanks(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 64*1024, false, time.Unix(0, 0))
	require.True(t, m.mbc30)

	m.Write(0x0000, 0x0A)
	m.Write(0x4000, 0x07) // highest mbc30 RAM bank
	m.Write(0xA000, 0x42)
	require.Equal(t, byte(0x42), m.Read(0xA000))
}

func TestMBC3_SaveStateRoundTrip(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000, true, time.Unix(500, 0))
	m.Write(0x0000, 0x0A)
	m.Write(0x2000, 0x05)
	m.Write(0xA000, 0x00) // ramBank defaults to 0 here
	blob := m.SaveState()

	n := NewMBC3(rom, 0x2000, true, time.Unix(500, 0))
	n.LoadState(blob)
	require.Equal(t, m.romBank, n.romBank)
	require.Equal(t, m.ramEnabled, n.ramEnabled)
}
