package carbon

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PowerProfile describes the power draw of the machine class running the
// jobs.  The defaults are the Shapella-era EBI cluster figures taken from
// green-algorithms.org: Intel Gold 6252 cores, NVIDIA Tesla V100 GPUs.
type PowerProfile struct {
	WattsPerCore float64 `yaml:"watts-per-core" validate:"gte=0"`
	WattsPerGPU  float64 `yaml:"watts-per-gpu" validate:"gte=0"`
	WattsPerGB   float64 `yaml:"watts-per-gb" validate:"gte=0"`
	IdleWatts    float64 `yaml:"idle-watts" validate:"gte=0"`
	PUE          float64 `yaml:"pue" validate:"gte=0"`
}

const (
	// UK grid, gCO2e per kWh.
	DefaultIntensity = 231.12

	DefaultCostPerKWh = 0.34
)

func DefaultProfile() PowerProfile {
	return PowerProfile{
		WattsPerCore: 6.3,
		WattsPerGPU:  300,
		WattsPerGB:   0.3725,
		IdleWatts:    0,
		PUE:          1.2,
	}
}

func DefaultModel() *Model {
	return &Model{
		Profile:    DefaultProfile(),
		Intensity:  DefaultIntensity,
		CostPerKWh: DefaultCostPerKWh,
	}
}

// MT: Constant after initialization; the validator is thread-safe.
var validate = validator.New()

// ResolveModel builds a model from an optional profile file and an optional
// intensity override in string form, as they come off the command line or the
// defaults file.
func ResolveModel(profileFile, intensityStr string) (*Model, error) {
	model := DefaultModel()
	if profileFile != "" {
		var err error
		if model.Profile, err = LoadProfile(profileFile); err != nil {
			return nil, err
		}
	}
	if intensityStr != "" {
		intensity, err := strconv.ParseFloat(intensityStr, 64)
		if err != nil || intensity < 0 {
			return nil, fmt.Errorf("Bad carbon intensity %q", intensityStr)
		}
		model.Intensity = intensity
	}
	return model, nil
}

// LoadProfile reads a power profile from a YAML file.  Fields left out of the
// file keep their default values.
func LoadProfile(filename string) (PowerProfile, error) {
	profile := DefaultProfile()
	data, err := os.ReadFile(filename)
	if err != nil {
		return profile, fmt.Errorf("Failed to read power profile %s\n%w", filename, err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("Failed to parse power profile %s\n%w", filename, err)
	}
	if err := validate.Struct(&profile); err != nil {
		return profile, fmt.Errorf("Bad power profile %s\n%w", filename, err)
	}
	return profile, nil
}
