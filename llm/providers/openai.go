package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/semflow/llm"
)

// OpenAIProvider targets the hosted OpenAI API (or OpenRouter). It shares
// the wire format with OllamaProvider.
type OpenAIProvider struct {
	OllamaProvider
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI chat completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "https://api.openai.com/v1")
}

// SetHeaders adds bearer auth and the optional OpenRouter attribution headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request, apiKey string) {
	o.OllamaProvider.SetHeaders(req, apiKey)
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
