package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pihub-dev/pihub"
	"github.com/pihub-dev/pihub/internal/dispatcher"
	"github.com/pihub-dev/pihub/internal/sensors"
	"github.com/pihub-dev/pihub/internal/server"
)

type msgType int

const (
	msgInfo msgType = iota
	msgError
)

// sendToClient writes one prefixed, newline-terminated response line to
// the client.
func (a *App) sendToClient(c *server.Client, msg string, t msgType) {
	prefix := infoPrefix
	if t == msgError {
		prefix = errorPrefix
	}
	if err := a.srv.Write(c, []byte(prefix+msg+"\n")); err != nil {
		pihub.Log.Errorf("server write failed: %v", err)
	}
}

// broadcast sends one prefixed line to every connected client.
func (a *App) broadcast(msg string, t msgType) {
	prefix := infoPrefix
	if t == msgError {
		prefix = errorPrefix
	}
	if err := a.srv.Broadcast([]byte(prefix + msg + "\n")); err != nil {
		pihub.Log.Errorf("server broadcast failed: %v", err)
	}
}

// clientFromContext recovers the originating client threaded through
// the dispatcher's execution context.
func clientFromContext(ctx interface{}) (*server.Client, bool) {
	c, ok := ctx.(*server.Client)
	if !ok || c == nil {
		pihub.Log.Error("command context does not carry a client")
		return nil, false
	}
	return c, true
}

func (a *App) logCommand(name string, c *server.Client) {
	if ip, err := a.srv.ClientAddress(c); err == nil {
		pihub.Log.Infof("'%s' cmd received (client IP: %s)", name, ip)
	} else {
		pihub.Log.Infof("'%s' cmd received (client IP: failed to retrieve)", name)
	}
}

/************* Event handlers for the dispatcher *************/

func (a *App) handleGpioSet(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("gpio set", c)

	if len(args) != 2 {
		a.sendToClient(c, wrongArgCountMsg, msgError)
		return
	}

	line, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		pihub.Log.Errorf("failed to convert line num %q: %v", args[0], err)
		a.sendToClient(c, "failed to convert line number", msgError)
		return
	}

	state, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		pihub.Log.Errorf("failed to convert state %q: %v", args[1], err)
		a.sendToClient(c, "failed to convert state number", msgError)
		return
	}
	if state != 0 && state != 1 {
		a.sendToClient(c, "incorrect state value (only 0 or 1 is allowed)", msgError)
		return
	}

	if err := a.collab.GPIO.Set(int(line), int(state)); err != nil {
		pihub.Log.Errorf("gpio set failed (line: %d, state: %d): %v", line, state, err)
		a.sendToClient(c, fmt.Sprintf("failed to set the GPIO output (line: %d, state: %d): %v", line, state, err), msgError)
		return
	}

	pihub.Log.Infof("GPIO line %d set to %s", line, stateName(int(state)))
	a.sendToClient(c, fmt.Sprintf("GPIO line %d set to %s", line, stateName(int(state))), msgInfo)
}

func (a *App) handleGpioGet(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("gpio get", c)

	if len(args) != 1 {
		a.sendToClient(c, wrongArgCountMsg, msgError)
		return
	}

	line, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		pihub.Log.Errorf("failed to convert line num %q: %v", args[0], err)
		a.sendToClient(c, "failed to convert line number", msgError)
		return
	}

	state, err := a.collab.GPIO.Get(int(line))
	if err != nil {
		pihub.Log.Errorf("gpio get failed (line: %d): %v", line, err)
		a.sendToClient(c, fmt.Sprintf("failed to get the GPIO state (line: %d): %v", line, err), msgError)
		return
	}

	pihub.Log.Debugf("GPIO line %d is %s", line, stateName(state))
	a.sendToClient(c, fmt.Sprintf("GPIO line %d is %s", line, stateName(state)), msgInfo)
}

func stateName(state int) string {
	if state == 0 {
		return "LOW"
	}
	return "HIGH"
}

func (a *App) handleSensorList(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("sensor list", c)

	if len(a.collab.Sensors) == 0 {
		a.sendToClient(c, "No sensors configured", msgError)
		return
	}

	for i, s := range a.collab.Sensors {
		a.sendToClient(c, fmt.Sprintf("sensor id: #%d; addr: 0x%02X; hw if: %s", i, s.Addr(), s.BusName()), msgInfo)
	}
}

func (a *App) handleSensorGet(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("sensor get", c)

	if len(args) != 2 {
		a.sendToClient(c, wrongArgCountMsg, msgError)
		return
	}

	id64, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		pihub.Log.Errorf("failed to convert sensor ID %q: %v", args[0], err)
		a.sendToClient(c, "failed to convert the sensor ID", msgError)
		return
	}
	id := int(id64)
	if id >= len(a.collab.Sensors) {
		pihub.Log.Errorf("sensor ID invalid (val: %d)", id)
		a.sendToClient(c, "invalid sensor ID", msgError)
		return
	}

	var kind string
	var m sensors.Measurement
	switch strings.ToLower(args[1]) {
	case "temp":
		kind, m = "temp", sensors.Temperature
	case "hum":
		kind, m = "hum", sensors.Humidity
	case "press":
		kind, m = "press", sensors.Pressure
	default:
		pihub.Log.Errorf("unsupported measurement type (%q)", args[1])
		a.sendToClient(c, "unsupported measurement type", msgError)
		return
	}

	value, err := a.cachedReading(id, kind, m)
	if err != nil {
		pihub.Log.Errorf("sensor read failed (sensor id: %d, type: %s): %v", id, kind, err)
		a.sendToClient(c, fmt.Sprintf("failed to read %s from sensor #%d: %v", kind, id, err), msgError)
		return
	}

	var msg string
	switch m {
	case sensors.Temperature:
		msg = fmt.Sprintf("sensor #%d returned temp: %.2f *C", id, value)
	case sensors.Humidity:
		msg = fmt.Sprintf("sensor #%d returned hum: %.2f %%", id, value)
	case sensors.Pressure:
		msg = fmt.Sprintf("sensor #%d returned press: %.2f Pa", id, value)
	}
	pihub.Log.Debug(msg)
	a.sendToClient(c, msg, msgInfo)
}

// cachedReading returns a recent reading for the sensor if one is
// cached, sampling the device otherwise.
func (a *App) cachedReading(id int, kind string, m sensors.Measurement) (float64, error) {
	key := fmt.Sprintf("sensor/%d/%s", id, kind)
	if v, ok := a.cache.Get(key); ok {
		return v.(float64), nil
	}

	value, err := a.collab.Sensors[id].Reading(m)
	if err != nil {
		return 0, err
	}
	a.cache.Set(key, value, gocache.DefaultExpiration)
	return value, nil
}

func (a *App) handleServerStatus(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("server status", c)

	mem, err := a.collab.Stats.Mem()
	if err != nil {
		pihub.Log.Errorf("failed to retrieve memory stats: %v", err)
		a.sendToClient(c, fmt.Sprintf("failed to retrieve memory stats: %v", err), msgError)
		return
	}
	net, err := a.collab.Stats.Net(a.netInterface)
	if err != nil {
		pihub.Log.Errorf("failed to retrieve network stats: %v", err)
		a.sendToClient(c, fmt.Sprintf("failed to retrieve network stats: %v", err), msgError)
		return
	}
	uptime, err := a.collab.Stats.Uptime()
	if err != nil {
		pihub.Log.Errorf("failed to retrieve uptime stats: %v", err)
		a.sendToClient(c, fmt.Sprintf("failed to retrieve uptime stats: %v", err), msgError)
		return
	}

	a.sendToClient(c, fmt.Sprintf(
		"Mem %d kB/%d kB (available/total) | Net tx: %d kB, rx: %d kB | Uptime %.2f s",
		mem.AvailableKB, mem.TotalKB, net.TxBytes/1000, net.RxBytes/1000, uptime.Up.Seconds()), msgInfo)
	a.sendToClient(c, fmt.Sprintf("connected clients: %d", a.srv.ClientCount()), msgInfo)
}

func (a *App) handleServerUptime(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("server uptime", c)

	uptime, err := a.collab.Stats.Uptime()
	if err != nil {
		pihub.Log.Errorf("failed to retrieve uptime info: %v", err)
		a.sendToClient(c, fmt.Sprintf("failed to retrieve uptime info: %v", err), msgError)
		return
	}
	a.sendToClient(c, fmt.Sprintf("uptime %.2f s", uptime.Up.Seconds()), msgInfo)
}

func (a *App) handleServerNet(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("server net", c)

	net, err := a.collab.Stats.Net(a.netInterface)
	if err != nil {
		pihub.Log.Errorf("failed to retrieve network stats: %v", err)
		a.sendToClient(c, fmt.Sprintf("failed to retrieve network stats: %v", err), msgError)
		return
	}
	a.sendToClient(c, fmt.Sprintf("net tx: %d kB (%d packets), rx: %d kB (%d packets)",
		net.TxBytes/1000, net.TxPackets, net.RxBytes/1000, net.RxPackets), msgInfo)
}

func (a *App) handleServerDisconnect(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("server disconnect", c)

	a.sendToClient(c, "disconnecting from the server...", msgInfo)

	if err := a.srv.Disconnect(c, false); err != nil {
		pihub.Log.Errorf("server disconnect failed: %v", err)
		a.sendToClient(c, fmt.Sprintf("failed to disconnect from the server: %v", err), msgError)
	}
}

func (a *App) handleServerHelp(args []string, ctx interface{}) {
	c, ok := clientFromContext(ctx)
	if !ok {
		return
	}
	a.logCommand("server help", c)

	for _, line := range helpMsg {
		a.sendToClient(c, line, msgInfo)
	}
}

/************* Event handlers for the server *************/

// handleClientConnect welcomes the user and notifies every client about
// the new connection.
func (a *App) handleClientConnect(c *server.Client) {
	pihub.Log.Debug("handleClientConnect called")

	ip, err := a.srv.ClientAddress(c)
	if err != nil {
		pihub.Log.Errorf("failed to resolve client address: %v", err)
	}

	a.sendToClient(c, welcomeMsg, msgInfo)
	a.broadcast(ip+connectMsgSuffix, msgInfo)
}

// handleDataReceived reads the pending line and hands it to the
// dispatcher, mapping dispatcher errors to protocol error lines.
func (a *App) handleDataReceived(c *server.Client) {
	pihub.Log.Debug("handleDataReceived called")

	buf := make([]byte, recvBufSize)
	n, err := a.srv.Read(c, buf)
	if err != nil {
		pihub.Log.Errorf("failed to read the incoming data: %v", err)
		return
	}
	if n == 0 {
		return
	}

	line := strings.TrimRight(string(buf[:n]), "\r\n")

	err = a.disp.Execute(line, c)
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrCmdIncomplete):
		a.sendToClient(c, cmdIncompleteMsg, msgError)
	case errors.Is(err, dispatcher.ErrBufTooLong),
		errors.Is(err, dispatcher.ErrBufEmpty),
		errors.Is(err, dispatcher.ErrTokenTooLong),
		errors.Is(err, dispatcher.ErrTooManyArgs),
		errors.Is(err, dispatcher.ErrCmdNotFound):
		a.sendToClient(c, cmdNotFoundMsg, msgError)
	default:
		a.sendToClient(c, genericFailureMsg, msgError)
	}
}

// handleClientDisconnect notifies the remaining clients about the
// disconnection.
func (a *App) handleClientDisconnect(c *server.Client) {
	pihub.Log.Debug("handleClientDisconnect called")
	a.broadcast(disconnectMsg, msgInfo)
}

// handleServerFailure attempts to restart the whole controller. The
// restart runs on a fresh goroutine so that the failing background task
// can terminate and be joined by Stop.
func (a *App) handleServerFailure(err error) {
	pihub.Log.Infof("handleServerFailure called with error: %v", err)
	go a.restart()
}
