package util

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestTrimHex(t *testing.T) {
	c := qt.New(t)
	c.Assert(TrimHex("0xabcd"), qt.Equals, "abcd")
	c.Assert(TrimHex("0Xabcd"), qt.Equals, "abcd")
	c.Assert(TrimHex("abcd"), qt.Equals, "abcd")
	c.Assert(TrimHex("0"), qt.Equals, "0")
}

func TestRandomInt(t *testing.T) {
	c := qt.New(t)
	for range 100 {
		n := RandomInt(3, 7)
		c.Assert(n >= 3 && n < 7, qt.IsTrue)
	}
}
