package machine

import "testing"

func TestMask(t *testing.T) {
	cases := []struct {
		width int
		want  uint64
	}{
		{1, 0xFF},
		{2, 0xFFFF},
		{4, 0xFFFFFFFF},
		{8, ^uint64(0)},
	}
	for _, c := range cases {
		if got := mask(c.width); got != c.want {
			t.Errorf("mask(%d) = %#x, want %#x", c.width, got, c.want)
		}
	}
}

func TestLeU64(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04}
	got := leU64(b)
	want := uint64(0x04030201)
	if got != want {
		t.Errorf("leU64 = %#x, want %#x", got, want)
	}
}
