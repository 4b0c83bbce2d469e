package printer

import (
	"bytes"
	"strings"
)

// escpos holds the ESC/POS sequences used for tickets and receipts
var escpos = struct {
	Initialize []byte

	BoldOn  []byte
	BoldOff []byte

	SizeNormal []byte
	SizeDouble []byte

	AlignLeft   []byte
	AlignCenter []byte

	LineFeed  []byte
	FeedLines []byte // + line count byte

	CutPartial []byte
}{
	Initialize: []byte{0x1B, 0x40}, // ESC @

	BoldOn:  []byte{0x1B, 0x45, 0x01}, // ESC E 1
	BoldOff: []byte{0x1B, 0x45, 0x00}, // ESC E 0

	SizeNormal: []byte{0x1D, 0x21, 0x00}, // GS ! 0
	SizeDouble: []byte{0x1D, 0x21, 0x11}, // GS ! 17

	AlignLeft:   []byte{0x1B, 0x61, 0x00}, // ESC a 0
	AlignCenter: []byte{0x1B, 0x61, 0x01}, // ESC a 1

	LineFeed:  []byte{0x0A},       // LF
	FeedLines: []byte{0x1B, 0x64}, // ESC d + n

	CutPartial: []byte{0x1D, 0x56, 0x01}, // GS V 1
}

// document accumulates one print batch
type document struct {
	buf   bytes.Buffer
	width int
}

func newDocument(width int) *document {
	d := &document{width: width}
	d.buf.Write(escpos.Initialize)
	return d
}

func (d *document) center() *document {
	d.buf.Write(escpos.AlignCenter)
	return d
}

func (d *document) left() *document {
	d.buf.Write(escpos.AlignLeft)
	return d
}

func (d *document) line(text string) *document {
	d.buf.WriteString(printable(text, d.width))
	d.buf.Write(escpos.LineFeed)
	return d
}

func (d *document) title(text string) *document {
	d.buf.Write(escpos.BoldOn)
	d.buf.Write(escpos.SizeDouble)
	d.buf.WriteString(printable(text, d.width/2))
	d.buf.Write(escpos.LineFeed)
	d.buf.Write(escpos.SizeNormal)
	d.buf.Write(escpos.BoldOff)
	return d
}

func (d *document) rule(ch string) *document {
	return d.line(strings.Repeat(ch, d.width))
}

// field prints "label : value", truncating the value to the paper width
func (d *document) field(label, value string) *document {
	return d.line(padRight(label, labelWidth) + ": " + value)
}

func (d *document) bold(text string) *document {
	d.buf.Write(escpos.BoldOn)
	d.line(text)
	d.buf.Write(escpos.BoldOff)
	return d
}

func (d *document) cut(feed byte) []byte {
	d.buf.Write(escpos.FeedLines)
	d.buf.WriteByte(feed)
	d.buf.Write(escpos.CutPartial)
	return d.buf.Bytes()
}

const labelWidth = 10

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

// printable drops bytes the printer would read as control codes and clips the
// text to width
func printable(s string, width int) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r > 0x7E {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if width > 0 && len(out) > width {
		out = out[:width]
	}
	return out
}
