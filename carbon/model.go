// Conversion of job resource consumption into energy and CO2e figures.
//
// Units: CPU time is in core-seconds, memory-time in GB-seconds, GPU time in
// gpu-seconds, wall time in seconds.  Energy is in kWh and CO2e mass in kg.
// All computation is in floating point; rounding is for presentation only and
// never happens here.
//
// The model is a pure function of its inputs so that it can be tested in
// isolation and so that aggregation order cannot affect results.

package carbon

type Model struct {
	Profile PowerProfile

	// Grid carbon intensity in gCO2e per kWh.
	Intensity float64

	// Electricity cost per kWh, in whatever currency the operator uses.
	CostPerKWh float64
}

type Footprint struct {
	EnergyKWh float64
	CO2eKg    float64
	Cost      float64
}

const jouleToKWh = 1.0 / 3_600_000

// Compute the footprint of a consumption of coreSeconds core-seconds of CPU,
// gbSeconds GB-seconds of memory and gpuSeconds gpu-seconds of GPU over
// wallSeconds seconds of wall time.  Unknown or negative inputs contribute
// nothing rather than failing the record.
func (m *Model) Compute(coreSeconds, gbSeconds, gpuSeconds, wallSeconds float64) Footprint {
	joules := clamp(coreSeconds)*m.Profile.WattsPerCore +
		clamp(gbSeconds)*m.Profile.WattsPerGB +
		clamp(gpuSeconds)*m.Profile.WattsPerGPU +
		clamp(wallSeconds)*m.Profile.IdleWatts

	pue := m.Profile.PUE
	if pue <= 0 {
		pue = 1
	}
	energy := joules * jouleToKWh * pue
	return Footprint{
		EnergyKWh: energy,
		CO2eKg:    energy * m.Intensity / 1000,
		Cost:      energy * m.CostPerKWh,
	}
}

func (f Footprint) Add(g Footprint) Footprint {
	return Footprint{
		EnergyKWh: f.EnergyKWh + g.EnergyKWh,
		CO2eKg:    f.CO2eKg + g.CO2eKg,
		Cost:      f.Cost + g.Cost,
	}
}

func clamp(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}
