// Package panel drives the optional hardware control panel on the rig:
// a cancel button wired to ground (input with pull-up) and a status LED
// that lights while a capture session is active.
package panel

import (
	"context"
	"sync"
	"time"

	"github.com/wbuchanan/nikonctl/internal/debug"
	"github.com/wbuchanan/nikonctl/internal/hw/gpio"
)

// Config holds the panel wiring.
type Config struct {
	CancelPin int           // button input (BCM), pulled up, pressed = LOW
	LEDPin    int           // status LED output (BCM), active HIGH
	PollRate  time.Duration // button sampling interval
}

// Panel polls the cancel button and mirrors capture state on the LED.
type Panel struct {
	gpio gpio.Driver
	cfg  Config

	mu       sync.Mutex
	onCancel func()
}

// New creates a panel and configures its pins.
func New(g gpio.Driver, cfg Config) (*Panel, error) {
	if cfg.PollRate <= 0 {
		cfg.PollRate = 50 * time.Millisecond
	}
	if err := g.SetupPin(cfg.CancelPin, gpio.InputPullup); err != nil {
		return nil, err
	}
	if err := g.SetupPin(cfg.LEDPin, gpio.Output); err != nil {
		return nil, err
	}
	if err := g.WritePin(cfg.LEDPin, gpio.Low); err != nil {
		return nil, err
	}
	return &Panel{gpio: g, cfg: cfg}, nil
}

// SetCancelFunc installs the function invoked when the button is pressed.
// Passing nil disarms the button (no session to cancel).
func (p *Panel) SetCancelFunc(fn func()) {
	p.mu.Lock()
	p.onCancel = fn
	p.mu.Unlock()
}

// SetActive drives the status LED.
func (p *Panel) SetActive(active bool) {
	level := gpio.Low
	if active {
		level = gpio.High
	}
	if err := p.gpio.WritePin(p.cfg.LEDPin, level); err != nil {
		debug.Error(err)
	}
}

// Run samples the button until ctx is cancelled. A press (line pulled LOW)
// fires the installed cancel function once; the button must be released
// before it can fire again.
func (p *Panel) Run(ctx context.Context) {
	debug.Info("Panel: watching cancel button on pin %d", p.cfg.CancelPin)
	ticker := time.NewTicker(p.cfg.PollRate)
	defer ticker.Stop()

	pressed := false
	for {
		select {
		case <-ctx.Done():
			p.SetActive(false)
			return
		case <-ticker.C:
		}

		level, err := p.gpio.ReadPin(p.cfg.CancelPin)
		if err != nil {
			debug.Error(err)
			continue
		}

		if level == gpio.Low && !pressed {
			pressed = true
			p.mu.Lock()
			fn := p.onCancel
			p.mu.Unlock()
			if fn != nil {
				debug.Live("Panel: cancel button pressed")
				fn()
			}
		} else if level == gpio.High {
			pressed = false
		}
	}
}
