package player

import (
	"fmt"
	"sort"
)

// BandCount is the number of equalizer bands the backend accepts.
const BandCount = 15

const (
	minBandGain = -0.25
	maxBandGain = 1.0
)

// Bands holds one gain per band, 25Hz to 16kHz.
type Bands [BandCount]float64

// Validate checks every gain lies within the backend's accepted range.
func (b Bands) Validate() error {
	for i, g := range b {
		if g < minBandGain || g > maxBandGain {
			return fmt.Errorf("band %d gain %.3f outside [%.2f, %.2f]", i, g, minBandGain, maxBandGain)
		}
	}
	return nil
}

// CustomPreset is reported when bands were set directly.
const CustomPreset = "custom"

var presets = map[string]Bands{
	"flat":       {},
	"bass":       {0.6, 0.5, 0.4, 0.3, 0.2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	"boost":      {0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2},
	"metal":      {0, 0.1, 0.15, 0.13, 0.1, 0.05, 0.07, 0.09, 0.11, 0.125, 0.125, 0.1, 0.075, 0, 0},
	"piano":      {-0.25, -0.25, 0, 0.25, 0.25, 0, -0.25, -0.25, 0, 0, 0, 0.25, 0.25, -0.025, -0.025},
	"pop":        {-0.02, -0.01, 0.08, 0.1, 0.15, 0.1, 0.03, -0.02, -0.035, -0.05, -0.05, -0.05, -0.05, -0.05, -0.05},
	"soft":       {0, 0, 0, 0, 0, 0, 0, -0.05, -0.1, -0.125, -0.15, -0.175, -0.175, -0.175, -0.175},
	"treblebass": {0.6, 0.5, 0.4, 0.3, 0.2, -0.25, 0, 0, 0.125, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4},
	"nightcore":  {0.3, 0.3, 0, 0, -0.1, -0.1, -0.15, -0.2, 0, 0, 0, 0, 0.3, 0.35, 0.35},
	"vaporwave":  {0.3, 0.3, 0, 0, 0, -0.1, -0.15, -0.15, 0, 0, 0.25, 0.3, 0.4, 0.4, 0.4},
}

// PresetBands returns the bands for a named preset.
func PresetBands(name string) (Bands, bool) {
	b, ok := presets[name]
	return b, ok
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
