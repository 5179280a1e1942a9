package common

import (
	"errors"
	"testing"
)

func TestGuardNilViewAllowsEverything(t *testing.T) {
	if err := Guard(nil, "pool"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	var p *Pauses
	if err := Guard(p, "pool"); err != nil {
		t.Fatalf("nil switchboard must not block: %v", err)
	}
}

func TestPausesPauseAndResume(t *testing.T) {
	p := NewPauses("loan")
	if err := Guard(p, "loan"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for seeded module, got %v", err)
	}
	if err := Guard(p, "pool"); err != nil {
		t.Fatalf("unrelated module must not be paused: %v", err)
	}

	p.Pause("pool")
	if err := Guard(p, "pool"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused after Pause, got %v", err)
	}

	p.Resume("loan")
	p.Resume("pool")
	if err := Guard(p, "loan"); err != nil {
		t.Fatalf("resumed module must not be paused: %v", err)
	}
	if err := Guard(p, "pool"); err != nil {
		t.Fatalf("resumed module must not be paused: %v", err)
	}
}

func TestPausesZeroValue(t *testing.T) {
	var p Pauses
	if p.IsPaused("loan") {
		t.Fatalf("zero value must pause nothing")
	}
	p.Pause("loan")
	if !p.IsPaused("loan") {
		t.Fatalf("pause on zero value must take effect")
	}
}
