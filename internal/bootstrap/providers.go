package bootstrap

import (
	"log"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/provider"
)

// initializeProviderRegistry registers an HTTP token-endpoint factory for
// every configured provider. Providers without a token URL are skipped:
// the engine cannot refresh what it cannot reach.
func initializeProviderRegistry(cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry()

	for _, pc := range cfg.ProviderConfigs() {
		if pc.TokenURL == "" {
			log.Printf("Provider %s skipped: no token URL configured", pc.Name)
			continue
		}
		registry.Register(provider.NewHTTPFactory(provider.HTTPFactoryConfig{
			Provider:     pc.Name,
			TokenURL:     pc.TokenURL,
			ProbeURL:     pc.ProbeURL,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Timeout:      cfg.ProviderTimeout,
			MaxRetries:   pc.MaxRetries,
		}))
		log.Printf("Provider %s registered", pc.Name)
	}

	if len(registry.Providers()) == 0 {
		log.Println("Warning: no providers registered; refresh calls will fail with unknown_provider")
	}
	return registry
}
