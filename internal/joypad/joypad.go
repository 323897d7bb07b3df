// Package joypad implements the JOYP (P1) register: a selectable 4-bit
// active-low view over the D-pad and button groups, with the joypad
// interrupt raised on any 1->0 transition of the selected lower nibble.
package joypad

import (
	"bytes"
	"encoding/gob"
)

const (
	Right     = 1 << 0
	Left      = 1 << 1
	Up        = 1 << 2
	Down      = 1 << 3
	A         = 1 << 4
	B         = 1 << 5
	SelectBtn = 1 << 6
	Start     = 1 << 7
)

type Joypad struct {
	selectBits byte // bits 5-4 as last written
	pressed    byte // bitmask of pressed buttons (1=pressed), see constants
	lower4     byte // last computed lower nibble (active-low), for edge detection

	requestIF func(bit int)
}

func New(requestIF func(bit int)) *Joypad {
	return &Joypad{requestIF: requestIF}
}

func (j *Joypad) Read() byte {
	return 0xC0 | (j.selectBits & 0x30) | j.lowerNibble()
}

func (j *Joypad) Write(value byte) {
	j.selectBits = value & 0x30
	j.refresh()
}

// SetPressed replaces the pressed-button bitmask and re-evaluates the
// interrupt edge against the current selection.
func (j *Joypad) SetPressed(mask byte) {
	j.pressed = mask
	j.refresh()
}

func (j *Joypad) lowerNibble() byte {
	n := byte(0x0F)
	if j.selectBits&0x10 == 0 { // P14 low selects D-pad
		if j.pressed&Right != 0 {
			n &^= 0x01
		}
		if j.pressed&Left != 0 {
			n &^= 0x02
		}
		if j.pressed&Up != 0 {
			n &^= 0x04
		}
		if j.pressed&Down != 0 {
			n &^= 0x08
		}
	}
	if j.selectBits&0x20 == 0 { // P15 low selects buttons
		if j.pressed&A != 0 {
			n &^= 0x01
		}
		if j.pressed&B != 0 {
			n &^= 0x02
		}
		if j.pressed&SelectBtn != 0 {
			n &^= 0x04
		}
		if j.pressed&Start != 0 {
			n &^= 0x08
		}
	}
	return n
}

func (j *Joypad) refresh() {
	newLower := j.lowerNibble()
	if falling := j.lower4 &^ newLower; falling != 0 {
		j.requestIF(4)
	}
	j.lower4 = newLower
}

type state struct {
	SelectBits byte
	Pressed    byte
	Lower4     byte
}

func (j *Joypad) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(state{j.selectBits, j.pressed, j.lower4})
	return buf.Bytes()
}

func (j *Joypad) LoadState(data []byte) {
	var s state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	j.selectBits, j.pressed, j.lower4 = s.SelectBits, s.Pressed, s.Lower4
}
