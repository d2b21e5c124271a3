package pipeline

import (
	"reflect"
	"testing"
)

func TestCctorGrowthDoubles(t *testing.T) {
	g := newCctorGrowth(MinCctorsDelta, 256)

	var sizes []int
	perClass := 2
	for i := 0; i < 4; i++ {
		n := g.onBlocked(cctorLoad{blockedHigh: perClass, blockedLow: perClass, high: perClass, low: perClass})
		sizes = append(sizes, n)
		perClass += n
	}
	if want := []int{2, 4, 8, 16}; !reflect.DeepEqual(sizes, want) {
		t.Errorf("growth steps = %v, want %v", sizes, want)
	}
	if g.phase != cctorGrowing {
		t.Errorf("phase = %s, want growing", g.phase)
	}

	if n := g.onBlocked(cctorLoad{blockedLow: 1, high: perClass, low: perClass}); n != 0 {
		t.Errorf("grew by %d below the threshold", n)
	}
	if g.phase != cctorSteady {
		t.Errorf("phase = %s, want steady", g.phase)
	}

	if !g.onDrained() {
		t.Error("onDrained after growth = false")
	}
	if g.delta != MinCctorsDelta || g.phase != cctorIdle {
		t.Errorf("after drain delta=%d phase=%s, want %d idle", g.delta, g.phase, MinCctorsDelta)
	}
	if g.onDrained() {
		t.Error("second onDrained reported growth")
	}
}

func TestCctorGrowthThreshold(t *testing.T) {
	tests := []struct {
		name string
		load cctorLoad
		grow bool
	}{
		{"idle", cctorLoad{high: 2, low: 2}, false},
		{"one of four", cctorLoad{blockedLow: 1, high: 2, low: 2}, false},
		{"half", cctorLoad{blockedLow: 1, blockedHigh: 1, high: 2, low: 2}, true},
		{"class saturated", cctorLoad{blockedLow: 2, high: 6, low: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newCctorGrowth(2, 256)
			if got := g.onBlocked(tt.load) > 0; got != tt.grow {
				t.Errorf("grew = %t, want %t", got, tt.grow)
			}
		})
	}
}

func TestCctorGrowthCeiling(t *testing.T) {
	g := newCctorGrowth(4, 5)
	if n := g.onBlocked(cctorLoad{blockedLow: 4, high: 4, low: 4}); n != 1 {
		t.Errorf("grew by %d, want 1 up to the ceiling", n)
	}
	if n := g.onBlocked(cctorLoad{blockedLow: 5, high: 5, low: 5}); n != 0 {
		t.Errorf("grew by %d past the ceiling", n)
	}
	if !reflect.DeepEqual(g.history, []int{1}) {
		t.Errorf("history = %v, want [1]", g.history)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty range", func(c *Config) { c.MaxPriority = c.MinPriority }},
		{"cutoff", func(c *Config) { c.HighPriorityCutoff = 1.2 }},
		{"no workers", func(c *Config) { c.Optimizer.Low = 0 }},
		{"delta", func(c *Config) { c.MinCctorsDelta = 0 }},
		{"ceiling", func(c *Config) { c.MaxCctorThreads = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}

	c := DefaultConfig()
	c.MinPriority, c.MaxPriority = 10, 20
	if got := c.cutoff(); got != 17.5 {
		t.Errorf("cutoff = %v, want 17.5", got)
	}
}
