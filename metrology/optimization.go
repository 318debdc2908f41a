package metrology

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Named optimizer presets.
const (
	PresetRigid   = "rigid"
	PresetRelaxed = "relaxed"
)

// OptimizationParameterSet selects which camera model parameters the bundle
// adjustment solves for.
type OptimizationParameterSet struct {
	FitF           bool `yaml:"fitF" json:"fitF"`
	FitCx          bool `yaml:"fitCx" json:"fitCx"`
	FitCy          bool `yaml:"fitCy" json:"fitCy"`
	FitB1          bool `yaml:"fitB1" json:"fitB1"`
	FitB2          bool `yaml:"fitB2" json:"fitB2"`
	FitK1          bool `yaml:"fitK1" json:"fitK1"`
	FitK2          bool `yaml:"fitK2" json:"fitK2"`
	FitK3          bool `yaml:"fitK3" json:"fitK3"`
	FitK4          bool `yaml:"fitK4" json:"fitK4"`
	FitP1          bool `yaml:"fitP1" json:"fitP1"`
	FitP2          bool `yaml:"fitP2" json:"fitP2"`
	FitCorrections bool `yaml:"fitCorrections" json:"fitCorrections"`

	AdaptiveFitting   bool `yaml:"adaptiveFitting" json:"adaptiveFitting"`
	ComputeCovariance bool `yaml:"computeCovariance" json:"computeCovariance"`
}

// RigidPreset fixes every intrinsic. Use it when intrinsics come from a
// trusted prior calibration.
func RigidPreset() OptimizationParameterSet {
	return OptimizationParameterSet{}
}

// RelaxedPreset frees focal length, principal point and the tangential
// distortion terms for general tie point cleanup without a prior calibration.
func RelaxedPreset() OptimizationParameterSet {
	return OptimizationParameterSet{
		FitF:  true,
		FitCx: true,
		FitCy: true,
		FitP1: true,
		FitP2: true,
	}
}

// PresetByName resolves "rigid" or "relaxed".
func PresetByName(name string) (OptimizationParameterSet, error) {
	switch strings.ToLower(name) {
	case PresetRigid:
		return RigidPreset(), nil
	case PresetRelaxed:
		return RelaxedPreset(), nil
	default:
		return OptimizationParameterSet{}, fmt.Errorf("unknown optimization preset %q", name)
	}
}

// WithCovariance returns a copy that also estimates tie point covariance.
func (p OptimizationParameterSet) WithCovariance() OptimizationParameterSet {
	p.ComputeCovariance = true
	return p
}

type paramFlag struct {
	name string
	on   bool
}

// FreeParameters lists the parameters being solved for, in camera model order.
func (p OptimizationParameterSet) FreeParameters() []string {
	flags := []paramFlag{
		{"f", p.FitF}, {"cx", p.FitCx}, {"cy", p.FitCy},
		{"b1", p.FitB1}, {"b2", p.FitB2},
		{"k1", p.FitK1}, {"k2", p.FitK2}, {"k3", p.FitK3}, {"k4", p.FitK4},
		{"p1", p.FitP1}, {"p2", p.FitP2},
		{"corrections", p.FitCorrections},
	}
	return lo.FilterMap(flags, func(f paramFlag, _ int) (string, bool) {
		return f.name, f.on
	})
}
