// Package gpio drives digital output lines and samples inputs through
// the Linux GPIO character device.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "pihub"

var (
	ErrNotInitialized = errors.New("gpio controller not initialized")
	ErrLineFailure    = errors.New("gpio line operation failed")
)

// Controller owns one GPIO chip handle. Lines are requested per
// operation and released immediately after, so no line stays claimed
// between commands; a mutex serialises chip access.
type Controller struct {
	mu   sync.Mutex
	chip *gpiocdev.Chip
}

// Open opens the named chip, e.g. "gpiochip0".
func Open(chipName string) (*Controller, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipName, err)
	}
	return &Controller{chip: chip}, nil
}

// Set requests the line as an output and drives it to state (0 or 1).
func (g *Controller) Set(line int, state int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return ErrNotInitialized
	}

	l, err := g.chip.RequestLine(line, gpiocdev.AsOutput(state))
	if err != nil {
		return fmt.Errorf("%w: request line %d as output: %v", ErrLineFailure, line, err)
	}
	defer l.Close()

	if err := l.SetValue(state); err != nil {
		return fmt.Errorf("%w: set line %d: %v", ErrLineFailure, line, err)
	}
	return nil
}

// Get requests the line as an input and returns its current value.
func (g *Controller) Get(line int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return 0, ErrNotInitialized
	}

	l, err := g.chip.RequestLine(line, gpiocdev.AsInput)
	if err != nil {
		return 0, fmt.Errorf("%w: request line %d as input: %v", ErrLineFailure, line, err)
	}
	defer l.Close()

	v, err := l.Value()
	if err != nil {
		return 0, fmt.Errorf("%w: get line %d: %v", ErrLineFailure, line, err)
	}
	return v, nil
}

// Close releases the chip handle.
func (g *Controller) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return ErrNotInitialized
	}
	err := g.chip.Close()
	g.chip = nil
	return err
}
