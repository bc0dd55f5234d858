package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// healthProbeTimeout bounds one endpoint health probe.
const healthProbeTimeout = 10 * time.Second

// EndpointCheck is the outcome of a relay endpoint verification.
type EndpointCheck struct {
	IsValid      bool
	CorrectedURL string
}

// VerifyEndpoint probes a relay endpoint's health route. An endpoint
// without a scheme is tried as https first, then http.
func VerifyEndpoint(ctx context.Context, endpoint string) EndpointCheck {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return EndpointCheck{}
	}

	if strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://") {
		if probeHealth(ctx, endpoint) {
			return EndpointCheck{IsValid: true, CorrectedURL: endpoint}
		}
		return EndpointCheck{}
	}

	for _, scheme := range []string{"https://", "http://"} {
		candidate := scheme + endpoint
		if probeHealth(ctx, candidate) {
			return EndpointCheck{IsValid: true, CorrectedURL: candidate}
		}
	}

	return EndpointCheck{}
}

func probeHealth(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", baseURL), nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
