package embed

import (
	"fmt"
	"sort"
)

// Config carries the provider-independent settings a factory needs.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	MaxTokens  int
}

// Factory constructs a provider for a format.
type Factory func(cfg Config) (Provider, error)

// registry maps format names to constructors. Formats are registered at
// package init; custom formats can be added before binding a service.
var registry = map[string]Factory{}

func init() {
	Register("openai", func(cfg Config) (Provider, error) {
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BaseURL:    cfg.BaseURL,
		})
	})
	Register("mock", func(cfg Config) (Provider, error) {
		return NewMockProvider(cfg.Dimensions), nil
	})
}

// Register installs a factory for a format name, replacing any previous one.
func Register(format string, f Factory) {
	registry[format] = f
}

// New constructs a provider for the given format.
func New(format string, cfg Config) (Provider, error) {
	f, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("unknown embedding format %q (have %v)", format, Formats())
	}
	return f(cfg)
}

// Formats lists the registered format names, sorted.
func Formats() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiresAPIKey reports whether a format needs an API key at bind time.
func RequiresAPIKey(format string) bool {
	return format == "openai"
}
