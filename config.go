package portmon

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Monitor.
type Config struct {
	// QueueCapacity is the maximum number of events buffered per listener.
	// When a listener falls behind, its oldest events are dropped and
	// counted. Zero means unbounded.
	QueueCapacity int `yaml:"queue_capacity"`

	// Workers is the number of goroutines running deferred publishes.
	// Default: runtime.NumCPU()
	Workers int `yaml:"workers"`

	// WorkerBacklog is the number of deferred publishes each worker can
	// hold before new ones are dropped.
	WorkerBacklog int `yaml:"worker_backlog"`

	// NameCapacity bounds the length of a device name reported by
	// enumeration, including its terminator.
	NameCapacity int `yaml:"name_capacity"`

	// NotifyRemoval sends listeners of a departing device an empty
	// MajorPnP/MinorRemoveDevice marker.
	NotifyRemoval bool `yaml:"notify_removal"`

	// Resolver names devices for enumeration. Default: StackResolver
	Resolver NameResolver `yaml:"-"`
}

// Default values applied by DefaultConfig and by New for zero fields.
const (
	DefaultQueueCapacity = 4096
	DefaultWorkerBacklog = 256
	DefaultNameCapacity  = 1024
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		Workers:       runtime.NumCPU(),
		WorkerBacklog: DefaultWorkerBacklog,
		NameCapacity:  DefaultNameCapacity,
		NotifyRemoval: true,
		Resolver:      StackResolver,
	}
}

// LoadConfig reads a YAML configuration file. Keys absent from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML decodes a mapping over the receiver's current values and
// validates the result, so a Config embedded in a larger document is checked
// the same way LoadConfig checks a standalone file.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	decoded := plain(*c)
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	if err := Config(decoded).Validate(); err != nil {
		return err
	}
	*c = Config(decoded)
	return nil
}

// Validate rejects values that cannot be made sense of.
func (c Config) Validate() error {
	switch {
	case c.QueueCapacity < 0:
		return fmt.Errorf("queue_capacity must not be negative, got %d", c.QueueCapacity)
	case c.Workers < 0:
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	case c.WorkerBacklog < 0:
		return fmt.Errorf("worker_backlog must not be negative, got %d", c.WorkerBacklog)
	case c.NameCapacity < 0:
		return fmt.Errorf("name_capacity must not be negative, got %d", c.NameCapacity)
	}
	return nil
}

// withDefaults fills zero fields. QueueCapacity is left alone since zero is
// meaningful there.
func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.WorkerBacklog == 0 {
		c.WorkerBacklog = DefaultWorkerBacklog
	}
	if c.NameCapacity == 0 {
		c.NameCapacity = DefaultNameCapacity
	}
	if c.Resolver == nil {
		c.Resolver = StackResolver
	}
	return c
}
