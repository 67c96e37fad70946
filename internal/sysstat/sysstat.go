// Package sysstat reads host metrics from the proc pseudo-filesystem:
// uptime, memory totals and per-interface network counters.
package sysstat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

var (
	ErrUnavailable      = errors.New("host statistic unavailable")
	ErrUnknownInterface = errors.New("unknown network interface")
)

// UptimeInfo reports how long the host has been up and the aggregate
// idle time across all cores.
type UptimeInfo struct {
	Up   time.Duration
	Idle time.Duration
}

// MemInfo reports the host memory totals in kilobytes.
type MemInfo struct {
	TotalKB     uint64
	FreeKB      uint64
	AvailableKB uint64
}

// NetInfo reports cumulative byte and packet counters for one network
// interface.
type NetInfo struct {
	RxBytes   uint64
	RxPackets uint64
	TxBytes   uint64
	TxPackets uint64
}

// Collector reads statistics from one proc mount. The zero value is not
// usable; construct instances with New.
type Collector struct {
	fs   procfs.FS
	root string
}

// New opens the proc filesystem at root; an empty root selects the
// default /proc mount.
func New(root string) (*Collector, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Collector{fs: fs, root: root}, nil
}

// Uptime parses the two second counters in /proc/uptime. The procfs
// library has no reader for this file, so it is parsed directly.
func (c *Collector) Uptime() (UptimeInfo, error) {
	raw, err := os.ReadFile(filepath.Join(c.root, "uptime"))
	if err != nil {
		return UptimeInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return UptimeInfo{}, fmt.Errorf("%w: malformed uptime file", ErrUnavailable)
	}

	up, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return UptimeInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	idle, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return UptimeInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return UptimeInfo{
		Up:   time.Duration(up * float64(time.Second)),
		Idle: time.Duration(idle * float64(time.Second)),
	}, nil
}

// Mem returns the MemTotal/MemFree/MemAvailable lines of /proc/meminfo.
func (c *Collector) Mem() (MemInfo, error) {
	mi, err := c.fs.Meminfo()
	if err != nil {
		return MemInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if mi.MemTotal == nil || mi.MemFree == nil || mi.MemAvailable == nil {
		return MemInfo{}, fmt.Errorf("%w: incomplete meminfo", ErrUnavailable)
	}
	return MemInfo{
		TotalKB:     *mi.MemTotal,
		FreeKB:      *mi.MemFree,
		AvailableKB: *mi.MemAvailable,
	}, nil
}

// Net returns the cumulative counters of the named interface from
// /proc/net/dev.
func (c *Collector) Net(iface string) (NetInfo, error) {
	nd, err := c.fs.NetDev()
	if err != nil {
		return NetInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	line, ok := nd[iface]
	if !ok {
		return NetInfo{}, fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
	}
	return NetInfo{
		RxBytes:   line.RxBytes,
		RxPackets: line.RxPackets,
		TxBytes:   line.TxBytes,
		TxPackets: line.TxPackets,
	}, nil
}
