package carbon

import (
	"math"
	"testing"
)

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeCpuOnly(t *testing.T) {
	// 3600 core-seconds at 10 W/core is 36000 J = 0.01 kWh.
	m := &Model{
		Profile:   PowerProfile{WattsPerCore: 10},
		Intensity: 500,
	}
	fp := m.Compute(3600, 0, 0, 3600)
	if !almost(fp.EnergyKWh, 0.01) {
		t.Fatalf("Expected 0.01 kWh, got %v", fp.EnergyKWh)
	}
	if !almost(fp.CO2eKg, 0.005) {
		t.Fatalf("Expected 0.005 kg, got %v", fp.CO2eKg)
	}
}

func TestComputePue(t *testing.T) {
	m := &Model{Profile: PowerProfile{WattsPerCore: 10, PUE: 1.2}}
	fp := m.Compute(3600, 0, 0, 3600)
	if !almost(fp.EnergyKWh, 0.012) {
		t.Fatalf("Expected 0.012 kWh, got %v", fp.EnergyKWh)
	}
}

func TestComputeAllComponents(t *testing.T) {
	m := DefaultModel()
	fp := m.Compute(7200, 4*3600, 3600, 3600)
	joules := 7200*6.3 + 4*3600*0.3725 + 3600*300.0
	want := joules / 3_600_000 * 1.2
	if !almost(fp.EnergyKWh, want) {
		t.Fatalf("Expected %v kWh, got %v", want, fp.EnergyKWh)
	}
	if !almost(fp.Cost, want*0.34) {
		t.Fatalf("Expected cost %v, got %v", want*0.34, fp.Cost)
	}
}

func TestComputeClampsNegatives(t *testing.T) {
	m := &Model{Profile: PowerProfile{WattsPerCore: 10, WattsPerGB: 1}}
	fp := m.Compute(-100, -100, -100, -100)
	if fp.EnergyKWh != 0 || fp.CO2eKg != 0 || fp.Cost != 0 {
		t.Fatalf("Negative inputs must contribute nothing, got %+v", fp)
	}
}

func TestFootprintAdd(t *testing.T) {
	a := Footprint{EnergyKWh: 1, CO2eKg: 2, Cost: 3}
	b := Footprint{EnergyKWh: 0.5, CO2eKg: 0.25, Cost: 0.125}
	c := a.Add(b)
	if !almost(c.EnergyKWh, 1.5) || !almost(c.CO2eKg, 2.25) || !almost(c.Cost, 3.125) {
		t.Fatalf("Unexpected sum %+v", c)
	}
}
