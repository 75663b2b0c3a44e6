package embedding

import "context"

// Provider generates vector embeddings from text. Implementations must be
// safe for concurrent use; the store and the reflection engine share one.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`

	TimeoutSeconds float64 `json:"timeout_seconds"`
}
