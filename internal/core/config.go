package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Flags are compatibility switches that change which Fetcher operations
// exist.
type Flags struct {
	// FetcherNoGetPutDelete removes the get/put/delete convenience wrappers;
	// those names then resolve to RPC methods.
	FetcherNoGetPutDelete bool `yaml:"fetcher_no_get_put_delete"`
	// ServiceBindingExtraHandlers enables queue() and scheduled() on fetchers.
	ServiceBindingExtraHandlers bool `yaml:"service_binding_extra_handlers"`
	// HostObjectFunctions lets RPC arguments carry functions as stubs.
	HostObjectFunctions bool `yaml:"host_object_functions"`
}

// Config holds runtime limits for the fetch layer.
type Config struct {
	MaxSubrequests        int           `yaml:"max_subrequests"`    // per inbound event, in-house fetchers exempt
	MaxRedirects          int           `yaml:"max_redirects"`      // hops followed in redirect=follow
	TeeBufferBytes        int           `yaml:"tee_buffer_bytes"`   // max lag between two tee branches
	MaxResponseBytes      int64         `yaml:"max_response_bytes"` // largest body the subrequest cache will store
	FetchTimeout          time.Duration `yaml:"fetch_timeout"`      // per HTTP peer request
	BlockPrivateAddresses bool          `yaml:"block_private_addresses"`
	Flags                 Flags         `yaml:"flags"`
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxSubrequests:        50,
		MaxRedirects:          20,
		TeeBufferBytes:        1 << 20,
		MaxResponseBytes:      10 << 20,
		FetchTimeout:          30 * time.Second,
		BlockPrivateAddresses: true,
		Flags: Flags{
			ServiceBindingExtraHandlers: true,
			HostObjectFunctions:         true,
		},
	}
}

// LoadConfig reads a YAML config file. Keys missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects limits that cannot work.
func (c Config) Validate() error {
	switch {
	case c.MaxSubrequests < 0:
		return fmt.Errorf("config: max_subrequests must not be negative")
	case c.MaxRedirects < 0:
		return fmt.Errorf("config: max_redirects must not be negative")
	case c.TeeBufferBytes <= 0:
		return fmt.Errorf("config: tee_buffer_bytes must be positive")
	case c.MaxResponseBytes < 0:
		return fmt.Errorf("config: max_response_bytes must not be negative")
	case c.FetchTimeout < 0:
		return fmt.Errorf("config: fetch_timeout must not be negative")
	}
	return nil
}
