package excport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExceptionName(t *testing.T) {
	cases := []struct {
		typ  int32
		want string
	}{
		{excBreakpoint, "EXC_BREAKPOINT"},
		{excSoftware, "EXC_SOFTWARE"},
		{excCrash, "EXC_CRASH"},
		{999, "<unknown>"},
	}
	for _, c := range cases {
		e := Exception{Type: c.typ}
		assert.Equal(t, c.want, e.Name())
	}
}

func TestSoftwareSignal(t *testing.T) {
	e := Exception{Type: excSoftware, Code: []int64{0x10003, 5}}
	assert.Equal(t, 5, e.SoftwareSignal())

	notSoftware := Exception{Type: excBreakpoint, Code: []int64{0x10003, 5}}
	assert.Equal(t, 0, notSoftware.SoftwareSignal())

	wrongCode := Exception{Type: excSoftware, Code: []int64{1, 5}}
	assert.Equal(t, 0, wrongCode.SoftwareSignal())
}
