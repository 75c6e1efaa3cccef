package config

type ModelsConfig struct {
	Models map[string]ModelMapping `yaml:"models"`
}

type ModelMapping struct {
	DisplayName string `yaml:"display_name"`
	// Vendor is the owning vendor name (a key in vendors.yaml).
	Vendor string `yaml:"vendor"`
	// Model is the vendor-side model identifier.
	Model string `yaml:"model"`
	// Multimodal marks models that accept image parts natively; structured
	// content is flattened to text for everything else.
	Multimodal bool `yaml:"multimodal"`
	// MaxOutputTokens caps generation when the caller does not set one.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`
}
