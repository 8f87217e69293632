package provider

import (
	"context"
	"net/http"
)

// GenericProber checks GET {base}/health for channels with no known
// provider family.
type GenericProber struct {
	jsonClient
}

func NewGenericProber(httpClient *http.Client) *GenericProber {
	return &GenericProber{jsonClient{httpClient: httpClient}}
}

func (p *GenericProber) Probe(ctx context.Context, t Target) error {
	var headers map[string]string
	if t.APIKey != "" {
		headers = bearer(t.APIKey)
	}
	return p.get(ctx, t.BaseURL+"/health", headers, nil)
}
