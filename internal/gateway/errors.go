// Package gateway wires the data plane together: route parsing,
// admission, dispatch to upstreams, and the HTTP server with its
// shutdown sequence.
package gateway

import (
	"encoding/json"
	"net/http"
)

// Kind names a terminal request failure. Kinds map one-to-one onto
// HTTP statuses and are also the status label on failure metrics.
type Kind string

const (
	KindMissingAPIKey     Kind = "missing_api_key"
	KindInvalidKey        Kind = "invalid_key"
	KindInactiveApp       Kind = "inactive_app"
	KindUnknownChain      Kind = "unknown_chain"
	KindChainDisabled     Kind = "chain_disabled"
	KindRateLimitedRPS    Kind = "rate_limited_rps"
	KindRateLimitedDaily  Kind = "rate_limited_daily"
	KindBodyTooLarge      Kind = "body_too_large"
	KindNoHealthyUpstream Kind = "no_healthy_upstream"
	KindUpstreamTimeout   Kind = "upstream_timeout"
	KindUpstreamSaturated Kind = "upstream_saturated"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindInternal          Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindMissingAPIKey:     http.StatusBadRequest,
	KindInvalidKey:        http.StatusForbidden,
	KindInactiveApp:       http.StatusForbidden,
	KindUnknownChain:      http.StatusNotFound,
	KindChainDisabled:     http.StatusServiceUnavailable,
	KindRateLimitedRPS:    http.StatusTooManyRequests,
	KindRateLimitedDaily:  http.StatusTooManyRequests,
	KindBodyTooLarge:      http.StatusRequestEntityTooLarge,
	KindNoHealthyUpstream: http.StatusBadGateway,
	KindUpstreamTimeout:   http.StatusGatewayTimeout,
	KindUpstreamSaturated: http.StatusServiceUnavailable,
	KindStoreUnavailable:  http.StatusServiceUnavailable,
	KindInternal:          http.StatusInternalServerError,
}

// HTTPStatus returns the response status for a kind.
func (k Kind) HTTPStatus() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON envelope of every terminal failure. Extra
// carries kind-specific fields, like the attempted URLs on a 502.
type errorBody struct {
	Error Kind                   `json:"error"`
	Extra map[string]interface{} `json:"-"`
}

func (b errorBody) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 1+len(b.Extra))
	m["error"] = string(b.Error)
	for k, v := range b.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// writeKind emits the terminal failure response.
func writeKind(w http.ResponseWriter, kind Kind, extra map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Error: kind, Extra: extra})
}
