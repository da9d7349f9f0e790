package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is a PauseView that can be toggled at runtime. It is safe for
// concurrent use.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSet returns a set with the given modules paused.
func NewPauseSet(modules ...string) *PauseSet {
	p := &PauseSet{paused: make(map[string]bool)}
	for _, module := range modules {
		p.paused[module] = true
	}
	return p
}

func (p *PauseSet) IsPaused(module string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

func (p *PauseSet) Pause(module string) {
	p.mu.Lock()
	p.paused[module] = true
	p.mu.Unlock()
}

func (p *PauseSet) Resume(module string) {
	p.mu.Lock()
	delete(p.paused, module)
	p.mu.Unlock()
}
