package kfmt

import (
	"bytes"
	"testing"

	"revmstub/kernel"
)

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no verbs", nil, "no verbs"},
		{"%s and %s", []interface{}{"foo", []byte("bar")}, "foo and bar"},
		{"%5s|", []interface{}{"ab"}, "   ab|"},
		{"%d %d %d", []interface{}{42, -42, uint64(1 << 40)}, "42 -42 1099511627776"},
		{"%4d|", []interface{}{7}, "   7|"},
		{"%x", []interface{}{uint32(0xDEADBEEF)}, "deadbeef"},
		{"%8x|", []interface{}{uint16(0xFF)}, "000000ff|"},
		{"%o", []interface{}{uint8(8)}, "10"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"100%%", nil, "100%"},
		{"%d", nil, "(MISSING)"},
		{"-", []interface{}{1}, "-%!(EXTRA)"},
		{"%s", []interface{}{42}, "%!(WRONGTYPE)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestEarlyPrintBufferReplay(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(nil)

	// Drain anything a previous test left behind.
	var drain [ringBufferSize]byte
	earlyPrintBuffer.Read(drain[:])

	Printf("early %d\n", 1)
	Printf("early %d\n", 2)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != "early 1\nearly 2\n" {
		t.Errorf("unexpected replayed output %q", got)
	}

	Printf("late\n")
	if got := buf.String(); got != "early 1\nearly 2\nlate\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestPanic(t *testing.T) {
	defer func(restore func()) {
		cpuHaltFn = restore
		SetOutputSink(nil)
	}(cpuHaltFn)

	halted := false
	cpuHaltFn = func() { halted = true }

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Panic(&kernel.Error{Module: "test", Message: "something went wrong"})

	if !halted {
		t.Error("expected Panic to halt the cpu")
	}
	if !bytes.Contains(buf.Bytes(), []byte("something went wrong")) {
		t.Errorf("panic output missing the error message: %q", buf.String())
	}
}
