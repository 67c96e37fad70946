package hw

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pihub-dev/pihub"
)

var ErrBusFailure = errors.New("bus transport failure")

// ioctl requests and flags from <linux/i2c-dev.h> / <linux/i2c.h>.
const (
	i2cRdwrRequest = 0x0707 // I2C_RDWR
	i2cMsgRead     = 0x0001 // I2C_M_RD

	i2cMaxPathLength = 20
)

// i2cMsg mirrors struct i2c_msg.
type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	_     uint16
	buf   unsafe.Pointer
}

// i2cRdwrData mirrors struct i2c_rdwr_ioctl_data.
type i2cRdwrData struct {
	msgs  unsafe.Pointer
	nmsgs uint32
}

// I2CBus is an I²C adapter opened through the Linux i2c-dev interface.
// A mutex serialises transactions because the adapter is shared between
// every sensor on the bus.
type I2CBus struct {
	mu sync.Mutex
	fd int
}

// OpenI2C opens the /dev/i2c-<adapter> device file.
func OpenI2C(adapter int) (*I2CBus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", adapter)
	if len(path) > i2cMaxPathLength {
		return nil, fmt.Errorf("%w: adapter path %s too long", ErrBusFailure, path)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrBusFailure, path, err)
	}

	return &I2CBus{fd: fd}, nil
}

func (b *I2CBus) Name() string { return "I2C" }

// Read performs a combined write/read transaction: one message selects
// the register, the second reads len(buf) bytes from it. The combined
// form is required for burst reads that must not be split by another
// master transaction.
func (b *I2CBus) Read(addr byte, reg byte, buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty read buffer", ErrBusFailure)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	regAddr := reg
	msgs := [2]i2cMsg{
		{addr: uint16(addr), flags: 0, len: 1, buf: unsafe.Pointer(&regAddr)},
		{addr: uint16(addr), flags: i2cMsgRead, len: uint16(len(buf)), buf: unsafe.Pointer(&buf[0])},
	}
	packet := i2cRdwrData{msgs: unsafe.Pointer(&msgs[0]), nmsgs: 2}

	if err := b.transfer(&packet); err != nil {
		return fmt.Errorf("%w: read dev 0x%02X reg 0x%02X: %v", ErrBusFailure, addr, reg, err)
	}
	runtime.KeepAlive(&msgs)

	pihub.Log.Debugf("read %d bytes (dev: 0x%02X, reg: 0x%02X)", len(buf), addr, reg)
	return nil
}

// Write sends the register address followed by data in one transaction.
func (b *I2CBus) Write(addr byte, reg byte, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, len(data)+1)
	out = append(out, reg)
	out = append(out, data...)

	msg := i2cMsg{addr: uint16(addr), flags: 0, len: uint16(len(out)), buf: unsafe.Pointer(&out[0])}
	packet := i2cRdwrData{msgs: unsafe.Pointer(&msg), nmsgs: 1}

	if err := b.transfer(&packet); err != nil {
		return fmt.Errorf("%w: write dev 0x%02X reg 0x%02X: %v", ErrBusFailure, addr, reg, err)
	}
	runtime.KeepAlive(&msg)

	pihub.Log.Debugf("wrote %d bytes (dev: 0x%02X, reg: 0x%02X)", len(data), addr, reg)
	return nil
}

func (b *I2CBus) transfer(packet *i2cRdwrData) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), i2cRdwrRequest, uintptr(unsafe.Pointer(packet)))
	runtime.KeepAlive(packet)
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *I2CBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrBusFailure, err)
	}
	return nil
}
