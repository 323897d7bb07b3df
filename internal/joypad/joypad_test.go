package joypad

import "testing"

func TestJoypad_DPadSelectionAndEdgeIRQ(t *testing.T) {
	var ifBits int
	j := New(func(bit int) { ifBits |= 1 << bit })

	j.Write(0x20) // select D-pad (P14=0, P15=1)
	if j.Read()&0x0F != 0x0F {
		t.Fatalf("expected no buttons pressed initially")
	}

	j.SetPressed(Right)
	if ifBits&(1<<4) == 0 {
		t.Fatalf("expected joypad IRQ on press edge")
	}
	if j.Read()&0x01 != 0 {
		t.Fatalf("Right bit should read 0 (active-low) when pressed")
	}
}

func TestJoypad_DPadIgnoredWhenNotSelected(t *testing.T) {
	var ifBits int
	j := New(func(bit int) { ifBits |= 1 << bit })
	j.Write(0x10) // select buttons only (P15=0)
	j.SetPressed(Right)
	if j.Read()&0x0F != 0x0F {
		t.Fatalf("D-pad press should not affect reading while button group selected")
	}
	_ = ifBits
}
