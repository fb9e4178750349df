package executors

import (
	"fmt"
	"net/http"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/executors/rest"
	"github.com/openfroyo/provisioner/pkg/executors/simulated"
)

// Config selects the executors bound to each resource type.
type Config struct {
	Simulated SimulatedConfig `yaml:"simulated" envPrefix:"SIMULATED_"`
	REST      []RESTBinding   `yaml:"rest" validate:"dive"`
}

// SimulatedConfig binds resource types to one shared simulated cloud.
type SimulatedConfig struct {
	Enabled       bool     `yaml:"enabled" env:"ENABLED"`
	ResourceTypes []string `yaml:"resource_types" env:"RESOURCE_TYPES" envSeparator:","`

	simulated.Config `yaml:",inline"`
}

// RESTBinding binds resource types to one REST endpoint.
type RESTBinding struct {
	ResourceTypes []string `yaml:"resource_types" validate:"required,min=1"`

	rest.Config `yaml:",inline"`
}

// Register adds the configured executors to registry. REST bindings are
// registered after the simulated cloud and replace it for shared resource
// types. The simulated cloud is returned when enabled.
func Register(registry *engine.Registry, cfg Config, client *http.Client) (*simulated.Cloud, error) {
	var cloud *simulated.Cloud
	if cfg.Simulated.Enabled {
		cloud = simulated.NewCloud(cfg.Simulated.Config)
		for _, rt := range cfg.Simulated.ResourceTypes {
			registry.Register(rt, cloud.Executor(rt))
		}
	}

	for i, binding := range cfg.REST {
		exec, err := rest.New(binding.Config, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create rest executor %d: %w", i, err)
		}
		for _, rt := range binding.ResourceTypes {
			registry.Register(rt, exec)
		}
	}
	return cloud, nil
}
