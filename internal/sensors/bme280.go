package sensors

import (
	"fmt"
	"sync"

	"github.com/pihub-dev/pihub/internal/hw"
)

// Bosch BME280 digital humidity, pressure and temperature sensor.
const bme280ID = 0x60 // Device ID common for all BME280 sensors

// Register map.
const (
	bme280RegCalibABase = 0x88 // 26 bytes: T1..T3, P1..P9, H1
	bme280RegID         = 0xD0
	bme280RegCalibBBase = 0xE1 // 7 bytes: H2..H6
	bme280RegCtrlHum    = 0xF2
	bme280RegCtrlMeas   = 0xF4
	bme280RegConfig     = 0xF5
	bme280RegData       = 0xF7 // 8 bytes: press, temp, hum

	bme280CalibALength = 26
	bme280CalibBLength = 7
	bme280DataLength   = 8
)

// Settings programmed at init time.
const (
	bme280OversamplingX16 = 0x05
	bme280NormalMode      = 0x03
	bme280StandbyMax      = 0x07 // 20 ms
	bme280FilterOff       = 0x00
)

// calibration holds the factory trimming words read out at init and fed
// into the Bosch fixed-point compensation formulas.
type calibration struct {
	digT1 uint16
	digT2 int16
	digT3 int16

	digP1 uint16
	digP2 int16
	digP3 int16
	digP4 int16
	digP5 int16
	digP6 int16
	digP7 int16
	digP8 int16
	digP9 int16

	digH1 uint8
	digH2 int16
	digH3 uint8
	digH4 int16
	digH5 int16
	digH6 int8
}

// BME280 drives one sensor instance over a shared bus. The mutex keeps
// tFine consistent between the temperature pass and the dependent
// pressure/humidity compensation.
type BME280 struct {
	bus  hw.Bus
	addr byte

	mu          sync.Mutex
	cal         calibration
	tFine       int32
	initialized bool
}

// NewBME280 verifies the chip identity, loads the calibration data and
// programs 16x oversampling in normal mode with the IIR filter off.
func NewBME280(bus hw.Bus, addr byte) (*BME280, error) {
	s := &BME280{bus: bus, addr: addr}

	if err := s.Check(); err != nil {
		return nil, err
	}
	if err := s.readCalibration(); err != nil {
		return nil, err
	}

	// ctrl_hum must be written before ctrl_meas to take effect.
	if err := bus.Write(addr, bme280RegCtrlHum, []byte{bme280OversamplingX16}); err != nil {
		return nil, fmt.Errorf("failed to write CtrlHum reg: %w", err)
	}
	ctrlMeas := byte(bme280OversamplingX16<<5 | bme280OversamplingX16<<2 | bme280NormalMode)
	if err := bus.Write(addr, bme280RegCtrlMeas, []byte{ctrlMeas}); err != nil {
		return nil, fmt.Errorf("failed to write CtrlMeas reg: %w", err)
	}
	config := byte(bme280StandbyMax<<5 | bme280FilterOff<<2)
	if err := bus.Write(addr, bme280RegConfig, []byte{config}); err != nil {
		return nil, fmt.Errorf("failed to write Config reg: %w", err)
	}

	s.initialized = true
	return s, nil
}

func (s *BME280) Addr() byte      { return s.addr }
func (s *BME280) BusName() string { return s.bus.Name() }

// Check confirms the communication link by comparing the ID register
// against the fixed BME280 device ID.
func (s *BME280) Check() error {
	var id [1]byte
	if err := s.bus.Read(s.addr, bme280RegID, id[:]); err != nil {
		return fmt.Errorf("failed to read ID reg: %w", err)
	}
	if id[0] != bme280ID {
		return fmt.Errorf("%w: id 0x%02X, want 0x%02X", ErrNotResponding, id[0], bme280ID)
	}
	return nil
}

func (s *BME280) readCalibration() error {
	var a [bme280CalibALength]byte
	if err := s.bus.Read(s.addr, bme280RegCalibABase, a[:]); err != nil {
		return fmt.Errorf("failed to read calibration section A: %w", err)
	}

	var b [bme280CalibBLength]byte
	if err := s.bus.Read(s.addr, bme280RegCalibBBase, b[:]); err != nil {
		return fmt.Errorf("failed to read calibration section B: %w", err)
	}

	u16 := func(buf []byte) uint16 { return uint16(buf[0]) | uint16(buf[1])<<8 }

	s.cal = calibration{
		digT1: u16(a[0:]),
		digT2: int16(u16(a[2:])),
		digT3: int16(u16(a[4:])),
		digP1: u16(a[6:]),
		digP2: int16(u16(a[8:])),
		digP3: int16(u16(a[10:])),
		digP4: int16(u16(a[12:])),
		digP5: int16(u16(a[14:])),
		digP6: int16(u16(a[16:])),
		digP7: int16(u16(a[18:])),
		digP8: int16(u16(a[20:])),
		digP9: int16(u16(a[22:])),
		digH1: a[25],
		digH2: int16(u16(b[0:])),
		digH3: b[2],
		// H4/H5 share register 0xE5: H4 is E4 plus the low nibble, H5
		// is E6 plus the high nibble.
		digH4: int16(b[3])<<4 | int16(b[4]&0x0F),
		digH5: int16(b[5])<<4 | int16(b[4]>>4),
		digH6: int8(b[6]),
	}
	return nil
}

// Reading burst-reads the measurement registers and compensates the
// requested quantity. Temperature is always compensated first because
// pressure and humidity depend on its fine resolution intermediate.
func (s *BME280) Reading(m Measurement) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}

	var data [bme280DataLength]byte
	if err := s.bus.Read(s.addr, bme280RegData, data[:]); err != nil {
		return 0, fmt.Errorf("failed to read measurement regs: %w", err)
	}

	adcP := int32(data[0])<<12 | int32(data[1])<<4 | int32(data[2])>>4
	adcT := int32(data[3])<<12 | int32(data[4])<<4 | int32(data[5])>>4
	adcH := int32(data[6])<<8 | int32(data[7])

	temp := s.compensateTemperature(adcT)

	switch m {
	case Temperature:
		return temp, nil
	case Pressure:
		return s.compensatePressure(adcP)
	case Humidity:
		return s.compensateHumidity(adcH), nil
	default:
		return 0, ErrUnsupported
	}
}

// compensateTemperature implements the Bosch integer formula with
// 0.01 degC resolution and stores tFine for the dependent quantities.
func (s *BME280) compensateTemperature(adcT int32) float64 {
	var1 := (((adcT >> 3) - (int32(s.cal.digT1) << 1)) * int32(s.cal.digT2)) >> 11
	var2 := (((((adcT >> 4) - int32(s.cal.digT1)) * ((adcT >> 4) - int32(s.cal.digT1))) >> 12) * int32(s.cal.digT3)) >> 14
	s.tFine = var1 + var2

	return float64((s.tFine*5+128)>>8) / 100
}

// compensatePressure implements the 64-bit Bosch formula returning
// pascals (Q24.8 internally).
func (s *BME280) compensatePressure(adcP int32) (float64, error) {
	var1 := int64(s.tFine) - 128000
	var2 := var1 * var1 * int64(s.cal.digP6)
	var2 += (var1 * int64(s.cal.digP5)) << 17
	var2 += int64(s.cal.digP4) << 35
	var1 = (var1*var1*int64(s.cal.digP3))>>8 + (var1*int64(s.cal.digP2))<<12
	var1 = ((int64(1) << 47) + var1) * int64(s.cal.digP1) >> 33
	if var1 == 0 {
		// Avoid division by zero on an unprimed sensor.
		return 0, fmt.Errorf("%w: pressure compensation underflow", ErrNotResponding)
	}

	p := int64(1048576 - adcP)
	p = ((p<<31 - var2) * 3125) / var1
	var1 = (int64(s.cal.digP9) * (p >> 13) * (p >> 13)) >> 25
	var2 = (int64(s.cal.digP8) * p) >> 19
	p = ((p + var1 + var2) >> 8) + int64(s.cal.digP7)<<4

	return float64(p) / 256, nil
}

// compensateHumidity implements the Bosch formula returning percent
// relative humidity (Q22.10 internally), clamped to 0..100.
func (s *BME280) compensateHumidity(adcH int32) float64 {
	v := s.tFine - 76800
	v = ((adcH<<14-int32(s.cal.digH4)<<20-int32(s.cal.digH5)*v+16384)>>15) *
		((((((v*int32(s.cal.digH6))>>10)*(((v*int32(s.cal.digH3))>>11)+32768))>>10+2097152)*int32(s.cal.digH2) + 8192) >> 14)
	v -= (((v >> 15) * (v >> 15)) >> 7) * int32(s.cal.digH1) >> 4

	if v < 0 {
		v = 0
	}
	if v > 419430400 {
		v = 419430400
	}
	return float64(v>>12) / 1024
}

// Close leaves the device in its current mode; the shared bus is owned
// by the caller.
func (s *BME280) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	s.initialized = false
	return nil
}
