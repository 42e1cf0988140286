package decode

import (
	"errors"
	"testing"

	"github.com/mountainstorm/flow/internal/tracelog"
)

func TestDecodeClassifiesBranches(t *testing.T) {
	cases := []struct {
		name       string
		code       []byte
		width      int
		wantBranch bool
		wantType   tracelog.BranchType
	}{
		{"ret", []byte{0xC3}, 64, true, tracelog.BranchReturn},
		{"int3", []byte{0xCC}, 64, true, tracelog.BranchSyscall},
		{"nop", []byte{0x90}, 64, false, tracelog.BranchOther},
		{"call rel32", []byte{0xE8, 0x00, 0x00, 0x00, 0x00}, 64, true, tracelog.BranchCall},
		{"jmp rel8", []byte{0xEB, 0x10}, 64, true, tracelog.BranchOther},
		{"je rel8", []byte{0x74, 0x10}, 64, true, tracelog.BranchOther},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			inst, err := Decode(c.code, c.width)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if inst.Branch != c.wantBranch {
				t.Errorf("Branch = %v, want %v", inst.Branch, c.wantBranch)
			}
			if c.wantBranch && inst.BranchType != c.wantType {
				t.Errorf("BranchType = %v, want %v", inst.BranchType, c.wantType)
			}
			if inst.Len == 0 {
				t.Errorf("Len = 0, want > 0")
			}
		})
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	// 0xE8 begins a 5-byte relative call; with only one byte available the
	// decoder must report it needs more rather than guessing.
	if _, err := Decode([]byte{0xE8}, 64); err == nil {
		t.Fatalf("expected error for truncated instruction")
	}
}

func TestDecodeRejectsBadWordWidth(t *testing.T) {
	if _, err := Decode([]byte{0x90}, 16); err == nil {
		t.Fatalf("expected error for unsupported word width")
	}
}

func TestDecodeUndecodableInstruction(t *testing.T) {
	// 0x0F 0xFF is not a defined opcode in any mode; the decoder must
	// report this as a hard failure rather than guessing a length.
	_, err := Decode([]byte{0x0F, 0xFF}, 64)
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("Decode: got %v, want ErrUndecodable", err)
	}
}
