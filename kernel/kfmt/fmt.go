// Package kfmt provides a minimal formatted output implementation that can
// be used before and after the Go runtime is fully initialized.
package kfmt

import "io"

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer stores Printf output emitted before an output
	// sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If nil,
	// output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and
// copies any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats its arguments to the active output sink. It supports a
// subset of the fmt verbs:
//
//	%s	string or byte slice
//	%o	integer, base 8
//	%d	integer, base 10
//	%x	integer, base 16 with lower-case letters
//	%t	boolean
//
// An optional decimal width before the verb left-pads the value: strings
// and base-10 integers pad with spaces, base-8 and base-16 integers pad
// with zeroes.
//
// Output emitted before a sink is attached with SetOutputSink accumulates
// in a ring buffer and is replayed when the sink appears.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to
// the supplied io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArg int
		i       int
	)

	for i < len(format) {
		ch := format[i]
		if ch != '%' {
			writeByte(w, ch)
			i++
			continue
		}

		// Scan the optional pad width and the verb.
		i++
		padLen := 0
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			padLen = padLen*10 + int(format[i]-'0')
			i++
		}

		if i >= len(format) {
			write(w, errNoVerb)
			break
		}

		verb := format[i]
		i++

		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		switch verb {
		case 'o', 'd', 'x', 's', 't':
			if nextArg >= len(args) {
				write(w, errMissingArg)
				continue
			}

			switch verb {
			case 'o':
				fmtInt(w, args[nextArg], 8, padLen)
			case 'd':
				fmtInt(w, args[nextArg], 10, padLen)
			case 'x':
				fmtInt(w, args[nextArg], 16, padLen)
			case 's':
				fmtString(w, args[nextArg], padLen)
			case 't':
				fmtBool(w, args[nextArg])
			}
			nextArg++
		default:
			write(w, errNoVerb)
		}
	}

	for ; nextArg < len(args); nextArg++ {
		write(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		write(w, errWrongArgType)
		return
	}

	if b {
		write(w, trueValue)
	} else {
		write(w, falseValue)
	}
}

// fmtString prints a formatted version of a string or []byte value v,
// applying the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch val := v.(type) {
	case string:
		for i := len(val); i < padLen; i++ {
			writeByte(w, ' ')
		}
		for i := 0; i < len(val); i++ {
			writeByte(w, val[i])
		}
	case []byte:
		for i := len(val); i < padLen; i++ {
			writeByte(w, ' ')
		}
		write(w, val)
	default:
		write(w, errWrongArgType)
	}
}

// fmtInt prints a formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned
// integer types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uint:
		uval = uint64(val)
	case uintptr:
		uval = uint64(val)
	case int8:
		uval, negative = absInt(int64(val))
	case int16:
		uval, negative = absInt(int64(val))
	case int32:
		uval, negative = absInt(int64(val))
	case int64:
		uval, negative = absInt(val)
	case int:
		uval, negative = absInt(int64(val))
	default:
		write(w, errWrongArgType)
		return
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	var (
		buf [maxBufSize]byte
		pos = len(buf)
	)

	for {
		pos--
		digit := byte(uval % uint64(base))
		if digit < 10 {
			buf[pos] = digit + '0'
		} else {
			buf[pos] = digit - 10 + 'a'
		}

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if negative && padCh == '0' {
		writeByte(w, '-')
		negative = false
	}

	for len(buf)-pos < padLen {
		pos--
		buf[pos] = padCh
	}

	if negative {
		// Place the sign on the rightmost blank pad character, or
		// prepend it when no padding is available.
		signPos := pos
		for signPos < len(buf)-1 && buf[signPos+1] == ' ' {
			signPos++
		}
		if buf[signPos] == ' ' {
			buf[signPos] = '-'
		} else {
			pos--
			buf[pos] = '-'
		}
	}

	write(w, buf[pos:])
}

func absInt(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

var singleByte [1]byte

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	write(w, singleByte[:])
}

func write(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
		return
	}
	earlyPrintBuffer.Write(p)
}
