package common

import (
	"errors"
	"sync"
)

// ErrModulePaused is returned when a mutating operation hits a paused module.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects mutations against paused modules. A nil view disables the
// check entirely.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a mutable pause switchboard shared by the engines. The zero
// value pauses nothing.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauses builds a switchboard with the given modules pre-paused.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]struct{})}
	for _, m := range modules {
		if m != "" {
			p.paused[m] = struct{}{}
		}
	}
	return p
}

// Pause halts mutating operations on the named module.
func (p *Pauses) Pause(module string) {
	if p == nil || module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]struct{})
	}
	p.paused[module] = struct{}{}
}

// Resume lifts a pause.
func (p *Pauses) Resume(module string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paused, module)
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[module]
	return ok
}
