package esp

const RingSize = 16

// Ring keeps last RingSize printable bytes of the stream to recognize text markers.
// Zero value is ready to use.
type Ring struct {
	buf  [RingSize]byte
	tail int // next write position
	n    int // stored bytes, up to RingSize
}

func printable(b byte) bool { return b >= 0x20 && b <= 0x7e }

// Push stores printable byte, overwriting oldest one. Other bytes are ignored.
// Returns false if byte was not stored.
func (self *Ring) Push(b byte) bool {
	if !printable(b) {
		return false
	}
	self.buf[self.tail] = b
	self.tail = (self.tail + 1) % RingSize
	if self.n < RingSize {
		self.n++
	}
	return true
}

// Match reports whether last stored bytes equal pattern, ASCII case-insensitive.
func (self *Ring) Match(pattern string) bool {
	pl := len(pattern)
	if pl == 0 || pl > self.n {
		return false
	}
	pos := (self.tail - pl + RingSize) % RingSize
	for i := 0; i < pl; i++ {
		if lower(self.buf[pos]) != lower(pattern[i]) {
			return false
		}
		pos = (pos + 1) % RingSize
	}
	return true
}

func (self *Ring) Reset() {
	self.tail = 0
	self.n = 0
}

func (self *Ring) String() string {
	out := make([]byte, 0, self.n)
	pos := (self.tail - self.n + RingSize) % RingSize
	for i := 0; i < self.n; i++ {
		out = append(out, self.buf[pos])
		pos = (pos + 1) % RingSize
	}
	return string(out)
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
