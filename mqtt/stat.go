package mqtt

import (
	"fmt"
	"sync/atomic"
)

type Stat struct {
	Connects        uint32
	ConnectFailures uint32
	Published       uint32
	Received        uint32
	AcksSent        uint32
	AckOverflows    uint32
	Pings           uint32
	PingTimeouts    uint32
	Malformed       uint32
	ForcedCloses    uint32
}

func (self *Stat) Snapshot() Stat {
	return Stat{
		Connects:        atomic.LoadUint32(&self.Connects),
		ConnectFailures: atomic.LoadUint32(&self.ConnectFailures),
		Published:       atomic.LoadUint32(&self.Published),
		Received:        atomic.LoadUint32(&self.Received),
		AcksSent:        atomic.LoadUint32(&self.AcksSent),
		AckOverflows:    atomic.LoadUint32(&self.AckOverflows),
		Pings:           atomic.LoadUint32(&self.Pings),
		PingTimeouts:    atomic.LoadUint32(&self.PingTimeouts),
		Malformed:       atomic.LoadUint32(&self.Malformed),
		ForcedCloses:    atomic.LoadUint32(&self.ForcedCloses),
	}
}

func inc(p *uint32) { atomic.AddUint32(p, 1) }

func (self Stat) String() string {
	return fmt.Sprintf("connects=%d connect_fail=%d published=%d received=%d acks=%d ack_overflow=%d pings=%d ping_timeout=%d malformed=%d forced_close=%d",
		self.Connects, self.ConnectFailures, self.Published, self.Received, self.AcksSent, self.AckOverflows, self.Pings, self.PingTimeouts, self.Malformed, self.ForcedCloses)
}
