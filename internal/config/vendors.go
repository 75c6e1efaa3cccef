package config

import (
	"os"
	"time"
)

type VendorsConfig struct {
	Vendors map[string]VendorConfig `yaml:"vendors"`
}

type VendorConfig struct {
	Type          string            `yaml:"type"`
	BaseURL       string            `yaml:"base_url"`
	APIVersion    string            `yaml:"api_version,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers,omitempty"`

	// OperatorKeyEnv names the environment variable holding the
	// operator-wide fallback secret for this vendor. Read once at process
	// start; used only when no user credential resolves.
	OperatorKeyEnv string `yaml:"operator_key_env,omitempty"`
}

// ResolveOperatorKeys snapshots the operator fallback secrets from the
// environment. Missing variables simply leave the vendor without a fallback.
func (vc *VendorsConfig) ResolveOperatorKeys() map[string]string {
	keys := make(map[string]string)
	for name, v := range vc.Vendors {
		if v.OperatorKeyEnv == "" {
			continue
		}
		if secret := os.Getenv(v.OperatorKeyEnv); secret != "" {
			keys[name] = secret
		}
	}
	return keys
}
