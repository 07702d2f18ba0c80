package modelclient

import (
	"fmt"
	"io"

	"github.com/haasonsaas/swarmcore/internal/obs"
)

// classifyTransportError wraps a connection-level failure (DNS, dial
// refused, TLS) as an upstream_model_5xx kind — the caller had no
// response at all, which the supervisor treats the same as a server
// failure rather than a client error.
func classifyTransportError(err error) error {
	return obs.NewError(obs.KindUpstreamModel5xx, "modelclient.Stream", err)
}

// classifyHTTPStatus reads (and discards, bounded) the error body and
// classifies the failure per spec §4.2/§7: 4xx (including the provider's
// rate-limit/"arrears" responses) vs 5xx.
func classifyHTTPStatus(status int, body io.Reader) error {
	const maxErrorBody = 4096
	limited := io.LimitReader(body, maxErrorBody)
	raw, _ := io.ReadAll(limited)

	kind := obs.KindUpstreamModel5xx
	if status >= 400 && status < 500 {
		kind = obs.KindUpstreamModel4xx
	}
	return obs.NewError(kind, "modelclient.Stream", fmt.Errorf("upstream status %d: %s", status, string(raw)))
}
