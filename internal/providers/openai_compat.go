package providers

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/fennelabs/agentloop/pkg/model"
)

// AzureConfig configures the Azure OpenAI wire client. Grounded on
// internal/agent/providers/azure.go's AzureOpenAIConfig: Azure OpenAI is
// reached through the same openai.Client as OpenAIWire, just pointed at a
// resource endpoint and deployment name instead of api.openai.com.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource endpoint, e.g.
	// https://{resource-name}.openai.azure.com.
	Endpoint string
	// APIKey is the Azure OpenAI API key.
	APIKey string
	// APIVersion defaults to "2024-02-15-preview" when empty.
	APIVersion string
}

// NewAzureWire builds an OpenAI-wire-compatible client against an Azure
// OpenAI deployment.
func NewAzureWire(cfg AzureConfig) (*OpenAIWire, error) {
	if cfg.Endpoint == "" {
		return nil, model.NewConfigError("azure: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, model.NewConfigError("azure: API key is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}

	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientConfig.APIVersion = cfg.APIVersion

	return &OpenAIWire{
		client: openai.NewClientWithConfig(clientConfig),
		name:   "azure",
	}, nil
}

// NewAzureWireFromEnv reads AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY,
// and the optional AZURE_OPENAI_API_VERSION.
func NewAzureWireFromEnv() (*OpenAIWire, error) {
	endpoint := envOrError("AZURE_OPENAI_ENDPOINT")
	if endpoint.err != nil {
		return nil, model.NewConfigError(endpoint.err.Error())
	}
	key := envOrError("AZURE_OPENAI_API_KEY")
	if key.err != nil {
		return nil, model.NewConfigError(key.err.Error())
	}
	return NewAzureWire(AzureConfig{
		Endpoint:   endpoint.value,
		APIKey:     key.value,
		APIVersion: envOrError("AZURE_OPENAI_API_VERSION").value,
	})
}

// OpenRouterConfig configures the OpenRouter wire client. Grounded on
// internal/agent/providers/openrouter.go's OpenRouterConfig.
type OpenRouterConfig struct {
	// APIKey is the OpenRouter API key.
	APIKey string
}

// NewOpenRouterWire builds an OpenAI-wire-compatible client against
// OpenRouter's unified multi-provider endpoint.
func NewOpenRouterWire(cfg OpenRouterConfig) (*OpenAIWire, error) {
	if cfg.APIKey == "" {
		return nil, model.NewConfigError("openrouter: API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = "https://openrouter.ai/api/v1"

	return &OpenAIWire{
		client: openai.NewClientWithConfig(clientConfig),
		name:   "openrouter",
	}, nil
}

// NewOpenRouterWireFromEnv reads OPENROUTER_API_KEY.
func NewOpenRouterWireFromEnv() (*OpenAIWire, error) {
	key := envOrError("OPENROUTER_API_KEY")
	if key.err != nil {
		return nil, model.NewConfigError(key.err.Error())
	}
	return NewOpenRouterWire(OpenRouterConfig{APIKey: key.value})
}
