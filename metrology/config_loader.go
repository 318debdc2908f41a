package metrology

import (
	"fmt"
	"os"
	"regexp"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads and validates the configuration from a YAML file.
// BARSCAN_MQTT_BROKER and BARSCAN_DATABASE_DSN override the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if broker := os.Getenv("BARSCAN_MQTT_BROKER"); broker != "" {
		config.MQTT.Broker = broker
	}
	if dsn := os.Getenv("BARSCAN_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = DefaultThresholds()
	}
	if config.Output.SerialPattern == "" {
		config.Output.SerialPattern = DefaultSerialPattern
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateConfig reports every problem with the configuration at once.
func ValidateConfig(config *Config) error {
	var errs error

	if err := config.Thresholds.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("thresholds: %w", err))
	}

	if config.Refinement.Preset == "" {
		errs = multierr.Append(errs, fmt.Errorf("refinement.preset is required (rigid or relaxed)"))
	} else if stages, err := config.Stages(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("refinement: %w", err))
	} else if err := ValidateSchedule(stages); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("refinement: %w", err))
	}

	if f := config.Refinement.Floors; f != nil {
		if f.MinObservationCount != nil && *f.MinObservationCount < 0 {
			errs = multierr.Append(errs, fmt.Errorf("refinement.floors.minObservationCount must not be negative"))
		}
		for name, v := range map[string]*float64{
			"reconstructionUncertainty": f.ReconstructionUncertainty,
			"projectionAccuracy":        f.ProjectionAccuracy,
			"reprojectionError":         f.ReprojectionError,
		} {
			if v != nil && !(*v >= 0) {
				errs = multierr.Append(errs, fmt.Errorf("refinement.floors.%s must not be negative", name))
			}
		}
	}

	if len(config.ScaleBars) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one scale bar must be defined"))
	}
	names := make(map[string]bool, len(config.ScaleBars))
	for i, bar := range config.ScaleBars {
		if bar.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("scaleBars[%d].name is required", i))
		} else if names[bar.Name] {
			errs = multierr.Append(errs, fmt.Errorf("scaleBars[%d]: duplicate name %q", i, bar.Name))
		}
		names[bar.Name] = true
		if bar.EndpointA == "" || bar.EndpointB == "" {
			errs = multierr.Append(errs, fmt.Errorf("scaleBars[%d]: both marker labels are required", i))
		} else if bar.EndpointA == bar.EndpointB {
			errs = multierr.Append(errs, fmt.Errorf("scaleBars[%d]: endpoints must differ, got %q twice", i, bar.EndpointA))
		}
		if !(bar.GroundTruthMeters > 0) {
			errs = multierr.Append(errs, fmt.Errorf("scaleBars[%d].groundTruthMeters must be positive", i))
		}
	}

	if config.Output.SerialPattern != "" {
		if re, err := regexp.Compile(config.Output.SerialPattern); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("output.serialPattern: %w", err))
		} else if re.NumSubexp() < 1 {
			errs = multierr.Append(errs, fmt.Errorf("output.serialPattern must contain a capture group"))
		}
	}

	if config.Engine.Retries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("engine.retries must not be negative"))
	}

	return errs
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
