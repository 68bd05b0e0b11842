// Package console implements the VGA text-mode console the stub logs to
// before and after firmware services go away.
package console

import "io"

// VgaText implements an EGA-compatible 80x25 text console using VGA mode
// 0x3. Each character cell in the framebuffer is two bytes: the ASCII
// code and an attribute byte encoding the foreground and background
// colors (4 bits each).
//
// The console renders light gray text (color 7) on a black background and
// scrolls by one row when the cursor moves past the last line.
type VgaText struct {
	width  uint32
	height uint32

	fb []uint16

	curX, curY uint32
	attr       uint16
}

// framebuffer returns a cell slice over the console framebuffer. It is a
// function variable so tests can supply an in-memory framebuffer instead
// of the memory-mapped one at 0xB8000.
var framebuffer = func(cells int) []uint16 {
	return fbSlice(0xB8000, cells)
}

// NewVgaText creates a VGA text console and clears it.
func NewVgaText(columns, rows uint32) *VgaText {
	cons := &VgaText{
		width:  columns,
		height: rows,
		// light gray on black
		attr: 7 << 8,
	}
	cons.fb = framebuffer(int(columns * rows))
	cons.Clear()

	return cons
}

// Clear fills the framebuffer with the clear character and homes the
// cursor.
func (cons *VgaText) Clear() {
	for i := range cons.fb {
		cons.fb[i] = cons.attr | ' '
	}
	cons.curX, cons.curY = 0, 0
}

// Write renders p to the framebuffer, interpreting newlines and tabs.
// It implements io.Writer so the console can serve as the kfmt output
// sink.
func (cons *VgaText) Write(p []byte) (int, error) {
	for _, b := range p {
		switch b {
		case '\n':
			cons.newline()
		case '\r':
			cons.curX = 0
		case '\t':
			for i := 0; i < 4; i++ {
				cons.putChar(' ')
			}
		default:
			cons.putChar(b)
		}
	}

	return len(p), nil
}

func (cons *VgaText) putChar(b byte) {
	cons.fb[cons.curY*cons.width+cons.curX] = cons.attr | uint16(b)

	cons.curX++
	if cons.curX == cons.width {
		cons.newline()
	}
}

func (cons *VgaText) newline() {
	cons.curX = 0
	cons.curY++
	if cons.curY < cons.height {
		return
	}

	// Scroll up one row and clear the last one.
	copy(cons.fb, cons.fb[cons.width:])
	last := cons.fb[(cons.height-1)*cons.width:]
	for i := range last {
		last[i] = cons.attr | ' '
	}
	cons.curY = cons.height - 1
}

var _ io.Writer = (*VgaText)(nil)
