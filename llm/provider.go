package llm

import (
	"maps"
	"net/http"
	"slices"
	"sync"
)

// Provider speaks one vendor's chat completion dialect. The implementations
// in llm/providers register themselves from init, so a binary only knows
// the dialects it imports.
type Provider interface {
	Name() string
	BuildURL(baseURL string) string
	// SetHeaders authenticates req. apiKey may be empty for local servers.
	SetHeaders(req *http.Request, apiKey string)
	// BuildRequestBody encodes one completion call. A nil temperature
	// leaves the vendor default in place.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)
	ParseResponse(body []byte) (*Response, error)
}

var providers = struct {
	sync.RWMutex
	byName map[string]Provider
}{byName: make(map[string]Provider)}

// RegisterProvider makes p available to Endpoint.Provider under p.Name().
// A later registration under the same name wins.
func RegisterProvider(p Provider) {
	providers.Lock()
	providers.byName[p.Name()] = p
	providers.Unlock()
}

// GetProvider returns the dialect registered as name, or nil.
func GetProvider(name string) Provider {
	providers.RLock()
	defer providers.RUnlock()
	return providers.byName[name]
}

// ListProviders names every registered dialect in lexical order.
func ListProviders() []string {
	providers.RLock()
	defer providers.RUnlock()
	return slices.Sorted(maps.Keys(providers.byName))
}
