package esp

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/log2"
)

func newTestDriver(t testing.TB) (*Driver, *MockModem) {
	return NewTestDriver(t, Options{Log: log2.NewTest(t, log2.LDebug)})
}

func connectTestDriver(t testing.TB, d *Driver) {
	require.NoError(t, d.Init())
	require.NoError(t, d.ConnectWiFi("home", "secret"))
	require.NoError(t, d.ConnectTCP("broker", 1883))
}

func TestDriverInit(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	begin := d.NowMillis()
	require.NoError(t, d.Init())
	assert.Equal(t, []string{"ATE0", "AT+RST", "ATE0", "AT+CWMODE=1"}, m.Lines)
	assert.GreaterOrEqual(t, d.NowMillis()-begin, uint64(3000), "delay after reset")

	m.Lines = nil
	require.NoError(t, d.Reset())
	assert.Equal(t, []string{"AT+RST", "ATE0", "AT+CWMODE=1"}, m.Lines)
}

func TestDriverConnect(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	require.NoError(t, d.Init())
	m.Lines = nil
	require.NoError(t, d.ConnectWiFi("home", `pa"ss,\`))
	assert.Equal(t, []string{`AT+CWJAP_CUR="home","pa\"ss\,\\"`, "AT+CIPMUX=0", "AT+CIPSTATUS"}, m.Lines)
	assert.Equal(t, WiFiLinked, d.WiFiState(false))
	assert.Equal(t, 1, m.CountLines("AT+CIPSTATUS"), "fresh cache")
	assert.False(t, d.SocketOpen())

	require.NoError(t, d.ConnectTCP("broker", 1883))
	assert.Equal(t, 1, m.CountLines(`AT+CIPSTART="TCP","broker",1883`))
	assert.True(t, d.SocketOpen())
	assert.True(t, d.ClientLinked(false))

	err := d.ConnectTCP("broker", 1883)
	require.Error(t, err)
	assert.Equal(t, ErrRejected, errors.Cause(err), "already connected")

	require.NoError(t, d.CloseSocket())
	assert.False(t, d.SocketOpen())
	require.NoError(t, d.Disconnect())
	assert.Equal(t, WiFiNotLinked, d.WiFiState(false))

	err = d.ConnectTCP("broker", 0)
	assert.True(t, errors.IsNotValid(err))
}

func TestDriverConnectWiFiFail(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	m.WiFiErr = true
	err := d.ConnectWiFi("home", "wrong")
	require.Error(t, err)
	assert.Equal(t, ErrRejected, errors.Cause(err))
	assert.NotContains(t, err.Error(), "wrong")
	assert.Equal(t, uint32(1), d.Stat().Rejected)
}

func TestDriverWrite(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	connectTestDriver(t, d)
	require.NoError(t, d.Write([]byte("hello")))
	require.Equal(t, 1, len(m.Raw))
	assert.Equal(t, "hello", string(m.Raw[0]))
	assert.Equal(t, "AT+CIPSEND=5", m.LastLine())

	require.NoError(t, d.Write([]byte("world!")))
	assert.Equal(t, "AT+CIPSEND=6", m.LastLine())
	settle := m.LineAt[len(m.LineAt)-1] - m.RawAt[0]
	assert.GreaterOrEqual(t, settle, uint64(SendSettle/time.Millisecond), "settle after raw write")
	assert.Equal(t, uint32(11), d.Stat().BytesSent)

	assert.NoError(t, d.Write(nil))
	err := d.Write(make([]byte, MaxSend+1))
	assert.True(t, errors.IsNotValid(err))

	require.NoError(t, d.CloseSocket())
	err = d.Write([]byte("x"))
	assert.Equal(t, ErrRejected, errors.Cause(err), "link is not valid")
}

func TestDriverWriteLatency(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	connectTestDriver(t, d)
	m.Latency = 100
	require.NoError(t, d.Write([]byte("first")))
	require.NoError(t, d.Write([]byte("second")))
	require.NoError(t, d.Write([]byte("third")))
	require.Equal(t, 3, len(m.Raw))
	assert.Equal(t, "second", string(m.Raw[1]))
	assert.Equal(t, uint32(0), d.Stat().Timeouts)

	v, err := d.QueryStatus(true)
	require.NoError(t, err)
	assert.Equal(t, StatusTCPConnected, v)

	// tag wait starts after settle
	m.Latency = 900
	require.NoError(t, d.Write([]byte("slow")))
	m.Latency = 1100
	err = d.Write([]byte("late"))
	assert.True(t, errors.IsTimeout(err))
}

func TestDriverTimeout(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	m.Silent = true
	kicks := 0
	d.watchdog = func() { kicks++ }
	begin := d.NowMillis()
	err := d.SendAndWait("AT", "OK", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.GreaterOrEqual(t, d.NowMillis()-begin, uint64(1000))
	assert.Equal(t, uint32(1), d.Stat().Timeouts)
	assert.Greater(t, kicks, 10, "watchdog is serviced in wait loop")
	assert.Nil(t, d.Decoder().Expecting(), "tag cleared after timeout")
}

func TestDriverRejected(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	m.Reply("AT+BAD", "\r\nERROR\r\n")
	begin := d.NowMillis()
	err := d.SendAndWait("AT+BAD", "OK", 10*time.Second)
	assert.Equal(t, ErrRejected, errors.Cause(err))
	assert.Less(t, d.NowMillis()-begin, uint64(1000))
	assert.Nil(t, d.Decoder().Expecting())
}

func TestDriverRequestBusy(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	m.Reply("AT+TEST", "\r\n+IPD,2:hi\r\nOK\r\n")
	var innerErr error
	calls := 0
	d.OnData(func(p []byte) {
		calls++
		innerErr = d.SendAndWait("AT", "OK", time.Second)
	})
	require.NoError(t, d.SendAndWait("AT+TEST", "OK", time.Second))
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrRequestBusy, errors.Cause(innerErr))
	assert.Equal(t, []string{"AT+TEST"}, m.Lines)
}

func TestDriverStatusCache(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		status int
		run    func(d *Driver, m *MockModem)
		expect int
	}
	cases := []Case{
		{"fresh", StatusGotIP, func(d *Driver, m *MockModem) {
			d.QueryStatus(false)
			d.QueryStatus(false)
		}, 1},
		{"stale", StatusGotIP, func(d *Driver, m *MockModem) {
			d.QueryStatus(false)
			m.Advance(uint64(StatusCacheValid / time.Millisecond))
			d.QueryStatus(false)
		}, 2},
		{"force", StatusTCPConnected, func(d *Driver, m *MockModem) {
			d.QueryStatus(false)
			d.QueryStatus(true)
		}, 2},
		{"disconnected-never-cached", StatusNoWiFi, func(d *Driver, m *MockModem) {
			d.QueryStatus(false)
			d.QueryStatus(false)
			d.WiFiState(false)
		}, 3},
	}
	rnd := helpers.RandUnix()
	rnd.Shuffle(len(cases), func(a, b int) { cases[a], cases[b] = cases[b], cases[a] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			d, m := newTestDriver(t)
			m.Status = c.status
			c.run(d, m)
			assert.Equal(t, c.expect, m.CountLines("AT+CIPSTATUS"))
			v, err := d.QueryStatus(false)
			require.NoError(t, err)
			assert.Equal(t, c.status, v)
		})
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	wifi := []WiFiState{WiFiUnknown, WiFiUnknown, WiFiLinked, WiFiLinked, WiFiLinked, WiFiNotLinked, WiFiUnknown}
	for status, expect := range wifi {
		assert.Equal(t, expect, WiFiStateOf(status), "status=%d", status)
		assert.Equal(t, status == 3, ClientLinkedOf(status), "status=%d", status)
	}
}

func TestDriverStatusMissing(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	m.Reply("AT+CIPSTATUS", "\r\nOK\r\n")
	_, err := d.QueryStatus(true)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, d.ClientLinked(true))
}

func TestDriverRemoteClose(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	connectTestDriver(t, d)
	queries := m.CountLines("AT+CIPSTATUS")
	m.RemoteClose()
	d.Loop()
	assert.False(t, d.SocketOpen())
	assert.Equal(t, queries+1, m.CountLines("AT+CIPSTATUS"), "forced refresh")
	assert.Equal(t, uint32(1), d.Stat().Closed)
	assert.Equal(t, WiFiLinked, d.WiFiState(false))
}

func TestDriverBusyResend(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	m.ReplyOnce("AT+CWMODE=1", "busy p...\r\n")
	require.NoError(t, d.SendAndWait("AT+CWMODE=1", "OK", 10*time.Second))
	assert.Equal(t, 2, m.CountLines("AT+CWMODE=1"))
	assert.Equal(t, uint32(1), d.Stat().Busy)
	assert.Equal(t, StateIdle, d.Decoder().State())
	assert.Equal(t, 0, d.Decoder().Backoff().Retries())
}

func TestDriverBusyAbort(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	connectTestDriver(t, d)
	m.ReplyOnce("AT+CIPSEND", strings.Repeat("busy p...\r\n", BusyRetries+1))
	err := d.Write([]byte("data"))
	assert.Equal(t, ErrAborted, errors.Cause(err))
	d.Loop()
	assert.Equal(t, 1, m.CountLines("AT+CIPCLOSE"))
	assert.Equal(t, uint32(1), d.Stat().ForcedCloses)
	assert.False(t, d.SocketOpen())
}

func TestDriverDelay(t *testing.T) {
	t.Parallel()

	d, m := newTestDriver(t)
	rec := &frameRecorder{}
	d.OnData(rec.OnData)
	m.InjectData([]byte("ping"))
	begin := d.NowMillis()
	d.Delay(100 * time.Millisecond)
	assert.GreaterOrEqual(t, d.NowMillis()-begin, uint64(100))
	require.Equal(t, 1, len(rec.frames))
	assert.Equal(t, "ping", string(rec.frames[0]))
}
