package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/a8m/envsubst"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sensornode/energy"
	"github.com/mklimuk/sensornode/i2c"
)

var ErrInvalidConfig = errors.New("invalid node configuration")

type BusSettings struct {
	// Device names the host bus hardware backends bridge to ("/dev/i2c-1", "1").
	Device string    `yaml:"device,omitempty"`
	ID     i2c.BusID `yaml:"id"`

	i2c.BusConfig `yaml:",inline"`
}

type EnergySettings struct {
	// I2CBlock is the mode reserved while a bus transaction is in flight.
	I2CBlock energy.Mode `yaml:"i2c_block"`
	// UserBlock is the initial reservation moved around by the buttons.
	UserBlock energy.Mode `yaml:"user_block"`
}

type TimerSettings struct {
	Period       time.Duration `yaml:"period"`
	ActivePeriod time.Duration `yaml:"active_period"`
}

type SensorSettings struct {
	Si7021 i2c.BusID `yaml:"si7021"`
	SHTC3  i2c.BusID `yaml:"shtc3"`
}

type Config struct {
	Buses             []BusSettings  `yaml:"buses"`
	Energy            EnergySettings `yaml:"energy"`
	Timer             TimerSettings  `yaml:"timer"`
	HumidityThreshold float32        `yaml:"humidity_threshold"`
	Sensors           SensorSettings `yaml:"sensors"`
}

// DefaultConfig mirrors the reference board: Si7021 on a fast asymmetric
// bus, SHTC3 on a standard bus, a 3 s measurement period.
func DefaultConfig() Config {
	return Config{
		Buses: []BusSettings{
			{ID: i2c.Bus0, BusConfig: i2c.BusConfig{Frequency: i2c.FreqFastMax, ClockRatio: i2c.ClockAsymmetric}},
			{ID: i2c.Bus1, BusConfig: i2c.BusConfig{Frequency: i2c.FreqStandardMax, ClockRatio: i2c.ClockStandard, StopBeforeRetry: []uint16{0x70}}},
		},
		Energy: EnergySettings{
			I2CBlock:  energy.EM2,
			UserBlock: energy.EM4,
		},
		Timer: TimerSettings{
			Period:       3 * time.Second,
			ActivePeriod: 2 * time.Millisecond,
		},
		HumidityThreshold: 30,
		Sensors: SensorSettings{
			Si7021: i2c.Bus0,
			SHTC3:  i2c.Bus1,
		},
	}
}

// LoadConfig reads a YAML node file, expanding ${VAR} references from the
// environment. Keys missing from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	data, err := envsubst.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	seen := make(map[i2c.BusID]bool)
	for _, b := range c.Buses {
		if !b.ID.Valid() {
			return fmt.Errorf("%w: unknown bus %d", ErrInvalidConfig, b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: bus %s configured twice", ErrInvalidConfig, b.ID)
		}
		seen[b.ID] = true
		if err := b.BusConfig.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if !c.Energy.I2CBlock.Valid() || !c.Energy.UserBlock.Valid() {
		return fmt.Errorf("%w: energy modes must be EM0..EM4", ErrInvalidConfig)
	}
	if c.Timer.Period <= 0 {
		return fmt.Errorf("%w: timer period must be positive", ErrInvalidConfig)
	}
	if c.Timer.ActivePeriod < 0 || c.Timer.ActivePeriod >= c.Timer.Period {
		return fmt.Errorf("%w: active period must be shorter than the period", ErrInvalidConfig)
	}
	for name, id := range map[string]i2c.BusID{"si7021": c.Sensors.Si7021, "shtc3": c.Sensors.SHTC3} {
		if !seen[id] {
			return fmt.Errorf("%w: %s assigned to unconfigured bus %s", ErrInvalidConfig, name, id)
		}
	}
	return nil
}

// Bus returns the settings of bus id.
func (c Config) Bus(id i2c.BusID) (BusSettings, bool) {
	for _, b := range c.Buses {
		if b.ID == id {
			return b, true
		}
	}
	return BusSettings{}, false
}
