package mqtt

const AckRingSize = 16

// AckRing queues inbound QoS1 packet ids until PUBACK is sent.
// Push on full ring sets sticky overflow flag, the id is lost.
type AckRing struct {
	ids      [AckRingSize]uint16
	head     int
	n        int
	overflow bool
}

func (self *AckRing) Push(id uint16) bool {
	if self.n == AckRingSize {
		self.overflow = true
		return false
	}
	self.ids[(self.head+self.n)%AckRingSize] = id
	self.n++
	return true
}

func (self *AckRing) Peek() (uint16, bool) {
	if self.n == 0 {
		return 0, false
	}
	return self.ids[self.head], true
}

func (self *AckRing) Pop() (uint16, bool) {
	id, ok := self.Peek()
	if ok {
		self.head = (self.head + 1) % AckRingSize
		self.n--
	}
	return id, ok
}

func (self *AckRing) Len() int       { return self.n }
func (self *AckRing) Overflow() bool { return self.overflow }

func (self *AckRing) Reset() {
	self.head = 0
	self.n = 0
	self.overflow = false
}
