// The pihub daemon: a multi-client TCP command server for a small
// single-board home-automation hub. Clients send newline-terminated
// `<target> <action> [args...]` commands to read environmental sensors,
// toggle GPIO lines and query host metrics.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davecgh/go-spew/spew"

	"github.com/pihub-dev/pihub"
	"github.com/pihub-dev/pihub/internal/app"
	"github.com/pihub-dev/pihub/internal/debug"
	"github.com/pihub-dev/pihub/internal/gpio"
	"github.com/pihub-dev/pihub/internal/hw"
	"github.com/pihub-dev/pihub/internal/sensors"
	"github.com/pihub-dev/pihub/internal/sysstat"
)

func main() {
	if err := pihub.LoadConfig(); err != nil {
		fmt.Println("unable to load config file, error:", err)
		fmt.Println("please check that a config.yaml exists and restart the server")
		os.Exit(1)
	}
	if err := pihub.InitLogger(); err != nil {
		fmt.Println("failed to initialize logger:", err)
		os.Exit(1)
	}

	cfg := pihub.ConfigSnapshot()
	fmt.Printf("--Configuration Parameters--\n%v\n", cfg)
	if debug.Enabled() {
		spew.Dump(cfg)
		go debug.StartPprofServer()
	}

	collab, cleanup, err := buildCollaborators(cfg)
	if err != nil {
		pihub.Log.Errorf("failed to initialize hardware: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	a, err := app.New(collab)
	if err != nil {
		pihub.Log.Errorf("app init failed: %v", err)
		os.Exit(1)
	}
	if err := a.Run(); err != nil {
		pihub.Log.Errorf("app run failed: %v", err)
		os.Exit(1)
	}
	pihub.Log.Infof("app controller running (port: %s)", cfg.Port)

	// Block until the service supervisor asks us to stop.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	pihub.Log.Infof("received %v, shutting down", s)

	if err := a.Stop(); err != nil {
		pihub.Log.Errorf("app stop failed: %v", err)
		os.Exit(1)
	}
	if err := a.Deinit(); err != nil {
		pihub.Log.Errorf("app deinit failed: %v", err)
		os.Exit(1)
	}
}

// buildCollaborators opens the hardware and host-statistics handles the
// command handlers operate on.
func buildCollaborators(cfg *pihub.Config) (app.Collaborators, func(), error) {
	none := func() {}

	gpioCtl, err := gpio.Open(cfg.GPIOChip)
	if err != nil {
		return app.Collaborators{}, none, err
	}

	bus, err := hw.OpenI2C(cfg.I2CAdapter)
	if err != nil {
		gpioCtl.Close()
		return app.Collaborators{}, none, err
	}

	cleanup := func() {
		if err := bus.Close(); err != nil {
			pihub.Log.Warnf("failed to close I2C bus: %v", err)
		}
		if err := gpioCtl.Close(); err != nil {
			pihub.Log.Warnf("failed to close GPIO chip: %v", err)
		}
	}

	sensorList := make([]sensors.Sensor, 0, len(cfg.SensorAddrs))
	for _, addr := range cfg.SensorAddrs {
		s, err := sensors.NewBME280(bus, byte(addr))
		if err != nil {
			cleanup()
			return app.Collaborators{}, none, fmt.Errorf("sensor 0x%02X: %w", addr, err)
		}
		sensorList = append(sensorList, s)
	}

	stats, err := sysstat.New("")
	if err != nil {
		cleanup()
		return app.Collaborators{}, none, err
	}

	return app.Collaborators{GPIO: gpioCtl, Sensors: sensorList, Stats: stats}, cleanup, nil
}
