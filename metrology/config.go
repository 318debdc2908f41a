package metrology

import "time"

// Config represents the full configuration file.
type Config struct {
	Thresholds Thresholds       `yaml:"thresholds" json:"thresholds"`
	Refinement RefinementConfig `yaml:"refinement" json:"refinement"`
	ScaleBars  []ScaleBarSpec   `yaml:"scaleBars" json:"scaleBars"`
	Output     OutputConfig     `yaml:"output" json:"output"`
	Engine     EngineConfig     `yaml:"engine,omitempty" json:"engine,omitempty"`
	MQTT       MQTTConfig       `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Database   DatabaseConfig   `yaml:"database,omitempty" json:"database,omitempty"`
	HTTP       HTTPConfig       `yaml:"http,omitempty" json:"http,omitempty"`
}

// RefinementConfig selects the optimizer preset and filter floors.
type RefinementConfig struct {
	Preset       string                    `yaml:"preset" json:"preset"`                                 // "rigid" or "relaxed"
	Floors       *FloorOverrides           `yaml:"floors,omitempty" json:"floors,omitempty"`             // Optional; unset fields keep the preset floor
	Optimization *OptimizationParameterSet `yaml:"optimization,omitempty" json:"optimization,omitempty"` // Optional full override of the preset flags
}

// FloorOverrides replaces individual preset floors. Nil fields keep the
// preset value.
type FloorOverrides struct {
	MinObservationCount       *int     `yaml:"minObservationCount,omitempty" json:"minObservationCount,omitempty"`
	ReconstructionUncertainty *float64 `yaml:"reconstructionUncertainty,omitempty" json:"reconstructionUncertainty,omitempty"`
	ProjectionAccuracy        *float64 `yaml:"projectionAccuracy,omitempty" json:"projectionAccuracy,omitempty"`
	ReprojectionError         *float64 `yaml:"reprojectionError,omitempty" json:"reprojectionError,omitempty"`
}

// Apply overlays the set fields onto base.
func (o *FloorOverrides) Apply(base Floors) Floors {
	if o == nil {
		return base
	}
	if o.MinObservationCount != nil {
		base.MinObservationCount = *o.MinObservationCount
	}
	if o.ReconstructionUncertainty != nil {
		base.ReconstructionUncertainty = *o.ReconstructionUncertainty
	}
	if o.ProjectionAccuracy != nil {
		base.ProjectionAccuracy = *o.ProjectionAccuracy
	}
	if o.ReprojectionError != nil {
		base.ReprojectionError = *o.ReprojectionError
	}
	return base
}

// OutputConfig controls where run artifacts go.
type OutputConfig struct {
	Dir           string `yaml:"dir" json:"dir"`
	SerialPattern string `yaml:"serialPattern,omitempty" json:"serialPattern,omitempty"`
	Layout        bool   `yaml:"layout,omitempty" json:"layout,omitempty"` // Also write layout SVG/PNG/GeoJSON
}

// EngineConfig points at an external photogrammetry engine.
type EngineConfig struct {
	BaseURL string        `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// DatabaseConfig holds the postgres DSN for the result store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// HTTPConfig configures the serve command.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// Stages returns the refinement schedule for the configured preset and floors.
func (c *Config) Stages() ([]RefinementStage, error) {
	floors, err := c.EffectiveFloors()
	if err != nil {
		return nil, err
	}
	return ScheduleForPreset(c.Refinement.Preset, floors)
}

// EffectiveFloors returns the preset floors with any configured overrides
// applied field by field.
func (c *Config) EffectiveFloors() (Floors, error) {
	floors, err := FloorsForPreset(c.Refinement.Preset)
	if err != nil {
		return Floors{}, err
	}
	return c.Refinement.Floors.Apply(floors), nil
}

// OptimizationParams returns the configured override or the preset flags.
func (c *Config) OptimizationParams() (OptimizationParameterSet, error) {
	if c.Refinement.Optimization != nil {
		return *c.Refinement.Optimization, nil
	}
	return PresetByName(c.Refinement.Preset)
}

// GetScaleBar returns the scale bar with the given name.
func (c *Config) GetScaleBar(name string) *ScaleBarSpec {
	for i := range c.ScaleBars {
		if c.ScaleBars[i].Name == name {
			return &c.ScaleBars[i]
		}
	}
	return nil
}
