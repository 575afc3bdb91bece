// Package uart is Linux serial port transport for esp driver.
package uart

import (
	"io"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/log2"
	"golang.org/x/sys/unix"
)

const (
	cBOTHER   = 0x1000
	cNCCS     = 19
	cTCSETSF2 = 0x402c542d
)

// Idle waits for input at most this long.
const DefaultIdleWait = 10 * time.Millisecond

type cc_t byte
type speed_t uint32
type tcflag_t uint32
type termios2 struct {
	c_iflag  tcflag_t    // input mode flags
	c_oflag  tcflag_t    // output mode flags
	c_cflag  tcflag_t    // control mode flags
	c_lflag  tcflag_t    // local mode flags
	c_line   cc_t        // line discipline
	c_cc     [cNCCS]cc_t // control characters
	c_ispeed speed_t     // input speed
	c_ospeed speed_t     // output speed
}

// Port implements esp.Transport and esp.Idler. Not thread-safe.
type Port struct {
	Log      *log2.Log
	IdleWait time.Duration

	f     *os.File
	fd    int
	t2    termios2
	start *atomic_clock.Clock
	buf   [256]byte
	r, w  int
}

// Open configures raw 8N1 mode with arbitrary baud rate.
func Open(log *log2.Log, path string, baud int) (*Port, error) {
	if baud <= 0 {
		return nil, errors.NotValidf("uart baud=%d", baud)
	}
	f, err := os.OpenFile(path, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "uart open path=%s", path)
	}
	self := newPort(log, f)
	if err = io_reset_termios(uintptr(self.fd), &self.t2, baud); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "uart termios path=%s baud=%d", path, baud)
	}
	log.Debugf("uart open path=%s baud=%d", path, baud)
	return self, nil
}

func newPort(log *log2.Log, f *os.File) *Port {
	return &Port{
		Log:      log,
		IdleWait: DefaultIdleWait,
		f:        f,
		fd:       int(f.Fd()),
		start:    atomic_clock.Now(),
	}
}

func (self *Port) Close() error { return self.f.Close() }

// Available returns buffered and kernel queued input bytes.
func (self *Port) Available() int {
	n := self.w - self.r
	inq, err := unix.IoctlGetInt(self.fd, unix.TIOCINQ)
	if err != nil {
		self.Log.Errorf("uart TIOCINQ err=%v", err)
		return n
	}
	return n + inq
}

func (self *Port) ReadByte() (byte, error) {
	if self.r == self.w {
		n, err := unix.Read(self.fd, self.buf[:])
		if err != nil {
			return 0, errors.Annotate(err, "uart read")
		}
		if n <= 0 {
			return 0, io.EOF
		}
		self.r, self.w = 0, n
	}
	b := self.buf[self.r]
	self.r++
	return b, nil
}

func (self *Port) Write(p []byte) error {
	return errors.Annotate(helpers.WriteAll(self.f, p), "uart write")
}

func (self *Port) WriteLine(s string) error {
	return self.Write([]byte(s + "\r\n"))
}

func (self *Port) NowMillis() uint64 {
	return uint64(atomic_clock.Since(self.start) / time.Millisecond)
}

// Idle blocks until input is ready or IdleWait passed.
func (self *Port) Idle() {
	if self.r < self.w {
		return
	}
	fds := []unix.PollFd{{Fd: int32(self.fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, int(self.IdleWait/time.Millisecond)); err != nil && err != unix.EINTR {
		self.Log.Errorf("uart poll err=%v", err)
		time.Sleep(self.IdleWait)
	}
}

func ioctl(fd uintptr, op, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return os.NewSyscallError("SYS_IOCTL", errno)
	}
	return nil
}

func io_reset_termios(fd uintptr, t2 *termios2, baud int) error {
	*t2 = termios2{
		c_iflag:  unix.IGNBRK | unix.IGNPAR,
		c_cflag:  cBOTHER | unix.CLOCAL | unix.CREAD | unix.CS8,
		c_ispeed: speed_t(baud),
		c_ospeed: speed_t(baud),
	}
	t2.c_cc[unix.VMIN] = 0
	t2.c_cc[unix.VTIME] = 0
	// flush input and output
	return ioctl(fd, uintptr(cTCSETSF2), uintptr(unsafe.Pointer(t2)))
}
