// Package serial implements the SB/SC link-cable registers, clocked off
// the timer's internal divider rather than a fixed cycle count so DMG,
// CGB-normal-speed, and CGB-double-speed/fast-clock transfers all shift at
// the hardware-accurate rate.
package serial

import (
	"bytes"
	"encoding/gob"
)

// LinkPort performs one byte exchange over the link cable. Implementations
// may complete the transfer immediately (no physical partner) or defer it.
type LinkPort interface {
	Transfer(out byte) (in byte)
}

// NullLinkPort emulates an unplugged cable: incoming bits read as 1s unless
// Loopback is set, in which case the sent byte is echoed back.
type NullLinkPort struct {
	Loopback bool
}

func (p NullLinkPort) Transfer(out byte) byte {
	if p.Loopback {
		return out
	}
	return 0xFF
}

type transferState struct {
	remainingBits byte
	outgoing      byte
	haveIncoming  bool
	incoming      byte
	pendingIn     byte
	internalClock bool
	fastClock     bool
}

func (s *transferState) latchIncoming(in byte) {
	if s.haveIncoming {
		return
	}
	s.haveIncoming = true
	s.incoming = in
	s.pendingIn = in
}

// shift clocks one bit in/out; returns true once the byte is complete.
func (s *transferState) shift(sb *byte) bool {
	if s.remainingBits == 0 {
		return true
	}
	bit := byte(0)
	if s.pendingIn&0x80 != 0 {
		bit = 1
	}
	s.pendingIn <<= 1
	*sb = (*sb << 1) | bit
	s.remainingBits--
	return s.remainingBits == 0
}

// Serial models SB (0xFF01) and SC (0xFF02).
type Serial struct {
	sb   byte
	sc   byte
	port LinkPort

	transfer *transferState
	cgbMode  bool

	outBuf []byte

	requestIF func(bit int)
}

func New(cgbMode bool, requestIF func(bit int)) *Serial {
	sc := byte(0x7E)
	if cgbMode {
		sc = 0x7F
	}
	return &Serial{sc: sc, port: NullLinkPort{}, cgbMode: cgbMode, requestIF: requestIF}
}

func (s *Serial) Connect(port LinkPort) { s.port = port }

func (s *Serial) ReadSB() byte { return s.sb }

func (s *Serial) ReadSC() byte {
	if s.cgbMode {
		return s.sc
	}
	return s.sc | 0x7E
}

func (s *Serial) WriteSB(value byte) { s.sb = value }

func (s *Serial) WriteSC(value byte) {
	if s.transfer != nil {
		if value&0x80 == 0 {
			s.sc = value
			s.transfer = nil
			return
		}
		s.sc = value
		s.transfer.remainingBits = 8
		s.transfer.outgoing = s.sb
		s.transfer.haveIncoming = false
		s.transfer.pendingIn = 0
		s.transfer.internalClock = value&0x01 != 0
		s.transfer.fastClock = value&0x02 != 0
		return
	}

	s.sc = value
	if value&0x80 != 0 {
		s.transfer = &transferState{
			remainingBits: 8,
			outgoing:      s.sb,
			internalClock: value&0x01 != 0,
			fastClock:     value&0x02 != 0,
		}
	}
}

// ExternalClockPulse delivers count external clock edges, used when SC bit0
// is clear and a link partner (not the internal DIV) drives the clock.
func (s *Serial) ExternalClockPulse(count int) {
	if s.transfer == nil {
		return
	}
	st := s.transfer
	if st.internalClock {
		return
	}
	if !st.haveIncoming {
		st.latchIncoming(s.port.Transfer(st.outgoing))
	}
	complete := false
	for i := 0; i < count; i++ {
		if st.shift(&s.sb) {
			complete = true
			break
		}
	}
	if complete {
		s.finishTransfer()
	}
}

// Step advances the transfer using the timer's internal divider value
// before (prevDiv) and after (currDiv) a tick window, clocking on falling
// edges of the bit selected by clockBitIndex for the active speed/fast-clock
// mode.
func (s *Serial) Step(prevDiv, currDiv uint16, doubleSpeed bool) {
	if s.transfer == nil {
		return
	}
	st := s.transfer
	clockBit := clockBitIndex(s.cgbMode, doubleSpeed, st.fastClock)

	if st.internalClock && !st.haveIncoming {
		st.latchIncoming(s.port.Transfer(st.outgoing))
	}

	steps := currDiv - prevDiv
	div := prevDiv
	prevClock := (div>>clockBit)&1 != 0
	complete := false
	for i := uint16(0); i < steps; i++ {
		div++
		clock := (div>>clockBit)&1 != 0
		if st.internalClock && prevClock && !clock && st.shift(&s.sb) {
			complete = true
			break
		}
		prevClock = clock
	}
	if complete {
		s.finishTransfer()
	}
}

func (s *Serial) finishTransfer() {
	st := s.transfer
	s.transfer = nil
	incoming := byte(0xFF)
	if st.haveIncoming {
		incoming = st.incoming
	}
	s.sb = incoming
	s.outBuf = append(s.outBuf, st.outgoing)
	s.sc &^= 0x80
	s.requestIF(3)
}

// TakeOutput drains and returns bytes sent over the link since the last call.
func (s *Serial) TakeOutput() []byte {
	out := s.outBuf
	s.outBuf = nil
	return out
}

// clockBitIndex reproduces the hardware clock-bit selection table: DMG uses
// DIV bit 8 (normal) / bit 7 (double-speed); CGB's normal clock matches DMG,
// while CGB's fast clock uses bit 3 (normal) / bit 2 (double-speed).
func clockBitIndex(cgbMode, doubleSpeed, fastClock bool) uint16 {
	if !cgbMode {
		if doubleSpeed {
			return 7
		}
		return 8
	}
	switch {
	case !fastClock && !doubleSpeed:
		return 8
	case !fastClock && doubleSpeed:
		return 7
	case fastClock && !doubleSpeed:
		return 3
	default:
		return 2
	}
}

type stateBlob struct {
	SB, SC        byte
	HasTransfer   bool
	RemainingBits byte
	Outgoing      byte
	HaveIncoming  bool
	Incoming      byte
	PendingIn     byte
	InternalClock bool
	FastClock     bool
}

func (s *Serial) SaveState() []byte {
	b := stateBlob{SB: s.sb, SC: s.sc}
	if s.transfer != nil {
		b.HasTransfer = true
		b.RemainingBits = s.transfer.remainingBits
		b.Outgoing = s.transfer.outgoing
		b.HaveIncoming = s.transfer.haveIncoming
		b.Incoming = s.transfer.incoming
		b.PendingIn = s.transfer.pendingIn
		b.InternalClock = s.transfer.internalClock
		b.FastClock = s.transfer.fastClock
	}
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(b)
	return buf.Bytes()
}

func (s *Serial) LoadState(data []byte) {
	var b stateBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return
	}
	s.sb, s.sc = b.SB, b.SC
	if b.HasTransfer {
		s.transfer = &transferState{
			remainingBits: b.RemainingBits, outgoing: b.Outgoing, haveIncoming: b.HaveIncoming,
			incoming: b.Incoming, pendingIn: b.PendingIn, internalClock: b.InternalClock, fastClock: b.FastClock,
		}
	} else {
		s.transfer = nil
	}
}
