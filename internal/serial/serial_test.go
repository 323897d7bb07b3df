package serial

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedInPort struct {
	ret     byte
	calls   int
	lastOut byte
}

func (p *fixedInPort) Transfer(out byte) byte {
	p.calls++
	p.lastOut = out
	return p.ret
}

func withIF() (*int, func(int)) {
	bits := 0
	return &bits, func(bit int) { bits |= 1 << bit }
}

func TestSerial_SCWriteMidTransferCancels(t *testing.T) {
	bits, req := withIF()
	s := New(false, req)
	s.Connect(&fixedInPort{ret: 0x34})

	s.WriteSB(0x12)
	s.WriteSC(0x80 | 0x01)
	s.WriteSC(0x00)
	require.Zero(t, s.ReadSC()&0x80)

	s.Step(0, 4096, false)
	require.Zero(t, s.ReadSC()&0x80)
	require.Zero(t, *bits&0x08)
}

func TestSerial_InternalClockCompletesAndRaisesIRQ(t *testing.T) {
	bits, req := withIF()
	s := New(false, req)
	s.Connect(&fixedInPort{ret: 0x34})

	s.WriteSB(0x12)
	s.WriteSC(0x80 | 0x01)

	s.Step(0, 4096, false)
	require.Zero(t, s.ReadSC()&0x80)
	require.NotZero(t, *bits&0x08)
	require.Equal(t, byte(0x34), s.ReadSB())
}

func TestSerial_ExternalClockStallsWithoutPulses(t *testing.T) {
	bits, req := withIF()
	s := New(false, req)
	s.Connect(&fixedInPort{ret: 0x34})

	s.WriteSB(0x12)
	s.WriteSC(0x80)

	s.Step(0, 60000, false)
	require.NotZero(t, s.ReadSC()&0x80)
	require.Zero(t, *bits&0x08)
}

func TestSerial_ExternalClockCompletesWithPulses(t *testing.T) {
	bits, req := withIF()
	s := New(false, req)
	s.Connect(&fixedInPort{ret: 0x34})

	s.WriteSB(0x12)
	s.WriteSC(0x80)

	s.ExternalClockPulse(7)
	require.NotZero(t, s.ReadSC()&0x80)
	require.Zero(t, *bits&0x08)

	s.ExternalClockPulse(1)
	require.Zero(t, s.ReadSC()&0x80)
	require.NotZero(t, *bits&0x08)
	require.Equal(t, byte(0x34), s.ReadSB())
}

func TestSerial_CGBFastClockUsesBit3(t *testing.T) {
	bits, req := withIF()
	s := New(true, req)
	s.Connect(&fixedInPort{ret: 0x34})

	s.WriteSB(0x12)
	s.WriteSC(0x80 | 0x01 | 0x02)

	s.Step(0, 127, false)
	require.NotZero(t, s.ReadSC()&0x80)
	require.Zero(t, *bits&0x08)

	s.Step(127, 128, false)
	require.Zero(t, s.ReadSC()&0x80)
	require.NotZero(t, *bits&0x08)
	require.Equal(t, byte(0x34), s.ReadSB())
}

func TestSerial_NoPartnerShiftsInOnes(t *testing.T) {
	bits, req := withIF()
	s := New(false, req)

	s.WriteSB(0x12)
	s.WriteSC(0x80 | 0x01)
	s.Step(0, 4096, false)

	require.NotZero(t, *bits&0x08)
	require.Equal(t, byte(0xFF), s.ReadSB())
}
