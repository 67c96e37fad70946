package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/pihub-dev/pihub/internal/sensors"
	"github.com/pihub-dev/pihub/internal/sysstat"
)

const testTimeout = 2 * time.Second

type fakeGPIO struct {
	mu     sync.Mutex
	states map[int]int
	err    error
}

func (g *fakeGPIO) Set(line, state int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	if g.states == nil {
		g.states = make(map[int]int)
	}
	g.states[line] = state
	return nil
}

func (g *fakeGPIO) Get(line int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return 0, g.err
	}
	return g.states[line], nil
}

func (g *fakeGPIO) state(line int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[line]
}

type fakeSensor struct {
	mu   sync.Mutex
	addr byte
	temp float64
	hum  float64
	prs  float64
	err  error
}

func (s *fakeSensor) Addr() byte      { return s.addr }
func (s *fakeSensor) BusName() string { return "FAKE" }
func (s *fakeSensor) Check() error    { return s.err }
func (s *fakeSensor) Close() error    { return nil }

func (s *fakeSensor) Reading(m sensors.Measurement) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	switch m {
	case sensors.Temperature:
		return s.temp, nil
	case sensors.Humidity:
		return s.hum, nil
	case sensors.Pressure:
		return s.prs, nil
	}
	return 0, sensors.ErrUnsupported
}

func (s *fakeSensor) setTemp(v float64) {
	s.mu.Lock()
	s.temp = v
	s.mu.Unlock()
}

type fakeStats struct{}

func (fakeStats) Uptime() (sysstat.UptimeInfo, error) {
	return sysstat.UptimeInfo{Up: time.Duration(4084.52 * float64(time.Second))}, nil
}

func (fakeStats) Mem() (sysstat.MemInfo, error) {
	return sysstat.MemInfo{TotalKB: 3884708, FreeKB: 2512704, AvailableKB: 3077612}, nil
}

func (fakeStats) Net(iface string) (sysstat.NetInfo, error) {
	if iface != "wlan0" {
		return sysstat.NetInfo{}, sysstat.ErrUnknownInterface
	}
	return sysstat.NetInfo{RxBytes: 26054852, RxPackets: 21241, TxBytes: 1875640, TxPackets: 11351}, nil
}

// testSession wraps one connected client with line-based reads.
type testSession struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (s *testSession) readLine(t *testing.T) string {
	t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := s.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return line
}

func (s *testSession) send(t *testing.T, cmd string) {
	t.Helper()
	if _, err := s.conn.Write([]byte(cmd + "\n")); err != nil {
		t.Fatalf("failed to send %q: %v", cmd, err)
	}
}

// expect runs a command and asserts on the single response line.
func (s *testSession) expect(t *testing.T, cmd, want string) {
	t.Helper()
	s.send(t, cmd)
	if got := s.readLine(t); got != want+"\n" {
		t.Errorf("%q: got %q, want %q", cmd, got, want)
	}
}

func newTestApp(t *testing.T, gpio *fakeGPIO, sensorList []sensors.Sensor) *App {
	t.Helper()

	viper.Set("hostname", "127.0.0.1")
	viper.Set("port", "0")
	viper.Set("max_clients", 4)
	viper.Set("max_pending", 4)
	viper.Set("dispatcher.delimiter", " ")
	viper.Set("net_interface", "wlan0")
	viper.Set("sensor_cache_ttl", "200ms")

	a, err := New(Collaborators{GPIO: gpio, Sensors: sensorList, Stats: fakeStats{}})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Run(); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	t.Cleanup(func() {
		if err := a.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
			t.Errorf("Stop() returned error: %v", err)
		}
		if err := a.Deinit(); err != nil {
			t.Errorf("Deinit() returned error: %v", err)
		}
	})
	return a
}

// connect dials the app and consumes the welcome line and the connect
// broadcast that every new client receives about itself.
func connect(t *testing.T, a *App) *testSession {
	t.Helper()

	conn, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial app server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	s := &testSession{conn: conn, reader: bufio.NewReader(conn)}
	if got := s.readLine(t); got != infoPrefix+welcomeMsg+"\n" {
		t.Fatalf("welcome line = %q", got)
	}
	if got := s.readLine(t); got != infoPrefix+"127.0.0.1"+connectMsgSuffix+"\n" {
		t.Fatalf("connect broadcast = %q", got)
	}
	return s
}

func TestGpioCommands(t *testing.T) {
	gpio := &fakeGPIO{}
	a := newTestApp(t, gpio, nil)
	s := connect(t, a)

	s.expect(t, "gpio set 13 1", "> GPIO line 13 set to HIGH")
	if gpio.state(13) != 1 {
		t.Errorf("expected line 13 to be driven high")
	}

	s.expect(t, "gpio get 13", "> GPIO line 13 is HIGH")
	s.expect(t, "gpio set 13 0", "> GPIO line 13 set to LOW")
	s.expect(t, "gpio get 13", "> GPIO line 13 is LOW")

	// Argument validation keeps the connection open.
	s.expect(t, "gpio set 13", "> err: "+wrongArgCountMsg)
	s.expect(t, "gpio set x 1", "> err: failed to convert line number")
	s.expect(t, "gpio set 13 7", "> err: incorrect state value (only 0 or 1 is allowed)")
	s.expect(t, "gpio get 13", "> GPIO line 13 is LOW")
}

func TestSensorListAndGet(t *testing.T) {
	sensor := &fakeSensor{addr: 0x76, temp: 23.5, hum: 45.25, prs: 100653.27}
	a := newTestApp(t, &fakeGPIO{}, []sensors.Sensor{sensor})
	s := connect(t, a)

	s.expect(t, "sensor list", "> sensor id: #0; addr: 0x76; hw if: FAKE")
	s.expect(t, "sensor get 0 temp", "> sensor #0 returned temp: 23.50 *C")
	s.expect(t, "sensor get 0 hum", "> sensor #0 returned hum: 45.25 %")
	s.expect(t, "sensor get 0 press", "> sensor #0 returned press: 100653.27 Pa")

	s.expect(t, "sensor get 0 volts", "> err: unsupported measurement type")
	s.expect(t, "sensor get 9 temp", "> err: invalid sensor ID")
	s.expect(t, "sensor get x temp", "> err: failed to convert the sensor ID")
}

func TestSensorReadingsAreCached(t *testing.T) {
	sensor := &fakeSensor{addr: 0x76, temp: 20.0}
	a := newTestApp(t, &fakeGPIO{}, []sensors.Sensor{sensor})
	s := connect(t, a)

	s.expect(t, "sensor get 0 temp", "> sensor #0 returned temp: 20.00 *C")

	// Within the TTL the cached value is served even though the device
	// now reports something else.
	sensor.setTemp(30.0)
	s.expect(t, "sensor get 0 temp", "> sensor #0 returned temp: 20.00 *C")

	// After expiry the device is sampled again.
	time.Sleep(250 * time.Millisecond)
	s.expect(t, "sensor get 0 temp", "> sensor #0 returned temp: 30.00 *C")
}

func TestSensorListEmpty(t *testing.T) {
	a := newTestApp(t, &fakeGPIO{}, nil)
	s := connect(t, a)

	s.expect(t, "sensor list", "> err: No sensors configured")
}

func TestServerCommands(t *testing.T) {
	a := newTestApp(t, &fakeGPIO{}, nil)
	s := connect(t, a)

	s.expect(t, "server uptime", "> uptime 4084.52 s")
	s.expect(t, "server net", "> net tx: 1875 kB (11351 packets), rx: 26054 kB (21241 packets)")

	s.send(t, "server status")
	want := fmt.Sprintf("> Mem %d kB/%d kB (available/total) | Net tx: %d kB, rx: %d kB | Uptime %.2f s",
		3077612, 3884708, 1875, 26054, 4084.52)
	if got := s.readLine(t); got != want+"\n" {
		t.Errorf("server status = %q, want %q", got, want)
	}
	if got := s.readLine(t); got != "> connected clients: 1\n" {
		t.Errorf("client count line = %q", got)
	}

	s.send(t, "server help")
	for _, line := range helpMsg {
		if got := s.readLine(t); got != infoPrefix+line+"\n" {
			t.Errorf("help line = %q, want %q", got, infoPrefix+line)
		}
	}
}

func TestDispatchErrorsMapToProtocolLines(t *testing.T) {
	a := newTestApp(t, &fakeGPIO{}, nil)
	s := connect(t, a)

	s.expect(t, "bogus cmd", "> err: "+cmdNotFoundMsg)
	s.expect(t, "gpio", "> err: "+cmdIncompleteMsg)
	s.expect(t, "GPiO SeT 5 1", "> GPIO line 5 set to HIGH")
}

func TestServerDisconnectCommand(t *testing.T) {
	a := newTestApp(t, &fakeGPIO{}, nil)
	s := connect(t, a)

	s.expect(t, "server disconnect", "> disconnecting from the server...")

	_ = s.conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		if _, err := s.reader.ReadString('\n'); err != nil {
			if err != io.EOF {
				t.Errorf("expected EOF after disconnect, got %v", err)
			}
			break
		}
	}
}

func TestConnectBroadcastReachesExistingClients(t *testing.T) {
	a := newTestApp(t, &fakeGPIO{}, nil)
	first := connect(t, a)

	_ = connect(t, a)

	// The first client observes the newcomer's broadcast.
	if got := first.readLine(t); got != infoPrefix+"127.0.0.1"+connectMsgSuffix+"\n" {
		t.Errorf("broadcast to existing client = %q", got)
	}
}
