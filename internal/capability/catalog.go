package capability

import (
	"errors"
	"fmt"
	"sort"

	"github.com/t77yq/taskgraph/internal/model"
)

var (
	// ErrCapabilityNotFound is returned for unknown or disabled capabilities
	ErrCapabilityNotFound = errors.New("capability not found or disabled")

	// ErrInvalidOutput is returned when the model output is not a JSON object
	ErrInvalidOutput = errors.New("capability returned invalid output")

	// ErrCapabilityFailed is returned when the model reports an ERROR status
	ErrCapabilityFailed = errors.New("capability reported failure")
)

const defaultSystemPrompt = "You are a capable assistant. Return strict JSON only."

// Definition describes one capability of the catalog
type Definition struct {
	Key          string `mapstructure:"key" yaml:"key"`
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt"`
	Model        string `mapstructure:"model" yaml:"model"`
	OutputHint   string `mapstructure:"output_hint" yaml:"output_hint"`
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
}

// Catalog is the set of capabilities steps may invoke
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog builds a catalog. The default capability is always present
// unless a definition overrides it.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{defs: map[string]Definition{
		model.DefaultCapabilityKey: {
			Key:          model.DefaultCapabilityKey,
			SystemPrompt: defaultSystemPrompt,
			Enabled:      true,
		},
	}}

	seen := make(map[string]bool)
	for _, d := range defs {
		if d.Key == "" {
			return nil, fmt.Errorf("capability definition without key")
		}
		if seen[d.Key] {
			return nil, fmt.Errorf("capability %s defined twice", d.Key)
		}
		seen[d.Key] = true
		if d.SystemPrompt == "" {
			d.SystemPrompt = defaultSystemPrompt
		}
		c.defs[d.Key] = d
	}
	return c, nil
}

// Get returns an enabled capability
func (c *Catalog) Get(key string) (Definition, error) {
	d, ok := c.defs[key]
	if !ok || !d.Enabled {
		return Definition{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, key)
	}
	return d, nil
}

// Keys lists the enabled capability keys
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.defs))
	for k, d := range c.defs {
		if d.Enabled {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
