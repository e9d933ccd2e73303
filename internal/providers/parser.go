package providers

import (
	"strings"

	"litingest/internal/config"
)

// ProviderRef is one entry of a provider list such as "openai:work|ollama|mock".
// KeyAlias selects which configured API key the provider uses.
type ProviderRef struct {
	Raw      string
	Name     string
	KeyAlias string
}

func ParseProviderList(raw string) []ProviderRef {
	var out []ProviderRef
	for _, p := range config.List(raw) {
		name, alias, _ := strings.Cut(p, ":")
		out = append(out, ProviderRef{Raw: p, Name: strings.ToLower(strings.TrimSpace(name)), KeyAlias: strings.TrimSpace(alias)})
	}
	if len(out) == 0 {
		out = append(out, ProviderRef{Raw: "mock", Name: "mock"})
	}
	return out
}
