package protocol

import "strings"

// maxLineLength bounds a single inbound frame. Longer lines are discarded.
const maxLineLength = 8 * 1024

// Frame is one inbound protocol line split at its first colon
type Frame struct {
	Prefix  string
	Payload string
}

// ParseFrame strips the line terminator and splits PREFIX:payload.
// Lines without a colon or with an empty prefix are not frames.
func ParseFrame(line string) (Frame, bool) {
	line = strings.TrimRight(line, "\r\n")
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return Frame{}, false
	}
	return Frame{Prefix: line[:idx], Payload: line[idx+1:]}, true
}

// lineBuffer accumulates raw reads and yields complete lines
type lineBuffer struct {
	buf      []byte
	overflow bool
}

// feed appends data and returns every completed line without its terminator.
// A line exceeding maxLineLength is dropped up to its terminator.
func (b *lineBuffer) feed(data []byte) (lines []string, dropped int) {
	for _, c := range data {
		if c == '\n' {
			if b.overflow {
				dropped++
				b.overflow = false
			} else {
				lines = append(lines, strings.TrimRight(string(b.buf), "\r"))
			}
			b.buf = b.buf[:0]
			continue
		}
		if b.overflow {
			continue
		}
		if len(b.buf) >= maxLineLength {
			b.overflow = true
			b.buf = b.buf[:0]
			continue
		}
		b.buf = append(b.buf, c)
	}
	return lines, dropped
}
