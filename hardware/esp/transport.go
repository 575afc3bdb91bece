package esp

// Byte stream to the modem. Implementations are not required to be thread-safe.
type Transport interface {
	// Number of bytes ReadByte can return without blocking.
	Available() int
	ReadByte() (byte, error)
	Write(p []byte) error
	// Writes s followed by CR LF.
	WriteLine(s string) error
	// Monotonic milliseconds.
	NowMillis() uint64
}

// Optional Transport extension. Idle is called by wait loops when no bytes are available,
// host transports use it to sleep until input arrives or a short time passes.
type Idler interface {
	Idle()
}

// Watchdog is serviced on every wait loop iteration.
type Watchdog func()
