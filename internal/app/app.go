// Package app is the core PiHub controller. It wires the TCP server's
// callbacks to the command dispatcher and implements the command
// handlers on top of the hardware and host-statistics collaborators.
//
// The controller itself is not thread-safe: it is designed to be driven
// by the main goroutine only (init, run, stop, deinit), while the
// server and dispatcher it owns handle their own locking.
package app

import (
	"errors"
	"fmt"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/viper"

	"github.com/pihub-dev/pihub"
	"github.com/pihub-dev/pihub/internal/dispatcher"
	"github.com/pihub-dev/pihub/internal/sensors"
	"github.com/pihub-dev/pihub/internal/server"
	"github.com/pihub-dev/pihub/internal/sysstat"
)

var (
	ErrRunning    = errors.New("app controller is running")
	ErrNotStarted = errors.New("app controller has not been started")
)

// GPIO is the digital line collaborator consumed by the gpio handlers.
type GPIO interface {
	Set(line int, state int) error
	Get(line int) (int, error)
}

// Stats is the host-statistics collaborator consumed by the server
// status handlers.
type Stats interface {
	Uptime() (sysstat.UptimeInfo, error)
	Mem() (sysstat.MemInfo, error)
	Net(iface string) (sysstat.NetInfo, error)
}

// Collaborators are the external devices and readers the command
// handlers operate on. All fields are required; Sensors may be empty.
type Collaborators struct {
	GPIO    GPIO
	Sensors []sensors.Sensor
	Stats   Stats
}

// App owns the server, the dispatcher and the collaborator handles for
// one PiHub instance.
type App struct {
	collab Collaborators

	srv  *server.Server
	disp *dispatcher.Dispatcher

	// cache holds recent sensor readings so that command bursts do not
	// hammer the measurement bus.
	cache        *gocache.Cache
	netInterface string
	restartDelay time.Duration

	running bool
}

// New builds a stopped controller from the loaded configuration.
func New(collab Collaborators) (*App, error) {
	if collab.GPIO == nil || collab.Stats == nil {
		return nil, errors.New("GPIO and Stats collaborators are required")
	}

	ttl := viper.GetDuration("sensor_cache_ttl")
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	restartDelay := viper.GetDuration("restart_delay")
	if restartDelay <= 0 {
		restartDelay = 10 * time.Second
	}

	a := &App{
		collab:       collab,
		cache:        gocache.New(ttl, 2*ttl),
		netInterface: viper.GetString("net_interface"),
		restartDelay: restartDelay,
	}

	if err := a.initServer(); err != nil {
		return nil, err
	}
	if err := a.initDispatcher(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) initServer() error {
	srv, err := server.New(server.Config{
		Hostname:   viper.GetString("hostname"),
		Port:       viper.GetString("port"),
		MaxClients: viper.GetInt("max_clients"),
		MaxPending: viper.GetInt("max_pending"),
		Callbacks: server.Callbacks{
			OnClientConnect:    a.handleClientConnect,
			OnDataReceived:     a.handleDataReceived,
			OnClientDisconnect: a.handleClientDisconnect,
			OnServerFailure:    a.handleServerFailure,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the server: %w", err)
	}

	pihub.Log.Debugf("server initialized (addr: %s:%s, max clients: %d, max pending: %d)",
		viper.GetString("hostname"), viper.GetString("port"),
		viper.GetInt("max_clients"), viper.GetInt("max_pending"))
	a.srv = srv
	return nil
}

func (a *App) initDispatcher() error {
	delim := viper.GetString("dispatcher.delimiter")
	if delim == "" {
		delim = " "
	}

	d, err := dispatcher.New(dispatcher.Config{Delimiter: delim})
	if err != nil {
		return fmt.Errorf("failed to initialize the dispatcher: %w", err)
	}

	commands := []dispatcher.CommandDef{
		{Target: "gpio", Action: "set", Handler: a.handleGpioSet},
		{Target: "gpio", Action: "get", Handler: a.handleGpioGet},
		{Target: "sensor", Action: "list", Handler: a.handleSensorList},
		{Target: "sensor", Action: "get", Handler: a.handleSensorGet},
		{Target: "server", Action: "status", Handler: a.handleServerStatus},
		{Target: "server", Action: "uptime", Handler: a.handleServerUptime},
		{Target: "server", Action: "net", Handler: a.handleServerNet},
		{Target: "server", Action: "disconnect", Handler: a.handleServerDisconnect},
		{Target: "server", Action: "help", Handler: a.handleServerHelp},
	}
	for id, cmd := range commands {
		if err := d.Register(id, cmd); err != nil {
			return fmt.Errorf("failed to register the %s|%s cmd: %w", cmd.Target, cmd.Action, err)
		}
		pihub.Log.Debugf("cmd %s|%s registered", cmd.Target, cmd.Action)
	}

	a.disp = d
	return nil
}

// Run starts the server's listener.
func (a *App) Run() error {
	if a.running {
		return ErrRunning
	}
	if err := a.srv.Run(); err != nil {
		return fmt.Errorf("failed to start the server: %w", err)
	}
	a.running = true
	return nil
}

// Stop shuts the server down, disconnecting every client.
func (a *App) Stop() error {
	if !a.running {
		return ErrNotStarted
	}
	if err := a.srv.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop the server: %w", err)
	}
	a.running = false
	return nil
}

// Deinit releases the stopped controller's resources. The collaborators
// are owned by the caller and stay open.
func (a *App) Deinit() error {
	if a.running {
		return ErrRunning
	}
	if err := a.srv.Deinit(); err != nil {
		return fmt.Errorf("failed to deinitialize the server: %w", err)
	}
	return nil
}

// Addr reports the server's bound address, or nil when not running.
func (a *App) Addr() net.Addr {
	return a.srv.Addr()
}

// restart attempts a full stop-deinit-init-run cycle after a server
// failure. It must run on its own goroutine: the failing background task
// only terminates after the failure callback returns, and Stop joins
// all background tasks.
func (a *App) restart() {
	pihub.Log.Info("attempting to restart the server")

	if err := a.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		pihub.Log.Errorf("stop failed during restart: %v", err)
	}

	time.Sleep(a.restartDelay)

	if err := a.Deinit(); err != nil {
		pihub.Log.Errorf("deinit failed during restart: %v", err)
	}
	if err := a.initServer(); err != nil {
		pihub.Log.Errorf("reinit failed during restart: %v", err)
		return
	}
	if err := a.Run(); err != nil {
		pihub.Log.Errorf("run failed during restart: %v", err)
	}
}
