package protocol

// MaxLineLength bounds a frame. Anything longer is line noise.
const MaxLineLength = 64

// Framer assembles newline-terminated lines from a byte stream.
type Framer struct {
	buf      []byte
	overflow bool
}

// Feed adds one byte. It returns a complete line (without terminator) and
// true when b ends one. An overlong line is returned as-is with overflow set
// so the caller can count it as malformed; framing resumes at the next '\n'.
func (f *Framer) Feed(b byte) (line string, ok bool, overflow bool) {
	if b != '\n' {
		if len(f.buf) < MaxLineLength {
			f.buf = append(f.buf, b)
		} else {
			f.overflow = true
		}
		return "", false, false
	}

	line = string(f.buf)
	overflow = f.overflow
	f.buf = f.buf[:0]
	f.overflow = false
	return line, true, overflow
}

// Reset drops any partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.overflow = false
}
