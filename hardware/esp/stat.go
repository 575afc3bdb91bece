package esp

import (
	"fmt"
	"sync/atomic"
)

// Counters are updated by the driver loop and may be read concurrently (metrics).
type Stat struct {
	Commands      uint32
	Timeouts      uint32
	Rejected      uint32
	Frames        uint32
	FrameBytes    uint32
	FramesDropped uint32
	GrowFailures  uint32
	StatusQueries uint32
	StatusMissed  uint32
	Closed        uint32
	Busy          uint32
	ForcedCloses  uint32
	WatchdogKicks uint32
	BytesSent     uint32
	BytesReceived uint32
}

func (self *Stat) Snapshot() Stat {
	return Stat{
		Commands:      atomic.LoadUint32(&self.Commands),
		Timeouts:      atomic.LoadUint32(&self.Timeouts),
		Rejected:      atomic.LoadUint32(&self.Rejected),
		Frames:        atomic.LoadUint32(&self.Frames),
		FrameBytes:    atomic.LoadUint32(&self.FrameBytes),
		FramesDropped: atomic.LoadUint32(&self.FramesDropped),
		GrowFailures:  atomic.LoadUint32(&self.GrowFailures),
		StatusQueries: atomic.LoadUint32(&self.StatusQueries),
		StatusMissed:  atomic.LoadUint32(&self.StatusMissed),
		Closed:        atomic.LoadUint32(&self.Closed),
		Busy:          atomic.LoadUint32(&self.Busy),
		ForcedCloses:  atomic.LoadUint32(&self.ForcedCloses),
		WatchdogKicks: atomic.LoadUint32(&self.WatchdogKicks),
		BytesSent:     atomic.LoadUint32(&self.BytesSent),
		BytesReceived: atomic.LoadUint32(&self.BytesReceived),
	}
}

func (self Stat) String() string {
	return fmt.Sprintf("commands=%d timeouts=%d rejected=%d frames=%d dropped=%d grow_fail=%d busy=%d forced_close=%d",
		self.Commands, self.Timeouts, self.Rejected, self.Frames, self.FramesDropped, self.GrowFailures, self.Busy, self.ForcedCloses)
}

func inc(p *uint32)        { atomic.AddUint32(p, 1) }
func add(p *uint32, n int) { atomic.AddUint32(p, uint32(n)) }
