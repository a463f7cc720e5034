package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestRouteLabel(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			got = routeLabel(req)
		})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/matches/{chainID}/{address}", func(w http.ResponseWriter, r *http.Request) {})
	})

	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/matches/1/0x1234567890123456789012345678901234567890", "/api/v1/matches/{chainID}/{address}"},
		{"/api/v1/matches/137/0xABCDEF7890123456789012345678901234567890", "/api/v1/matches/{chainID}/{address}"},
		{"/other", "unmatched"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "unmatched", routeLabel(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestRecordersDisabled(t *testing.T) {
	// Recorders must be safe to call before Init.
	assert.False(t, Enabled())
	assert.NotPanics(t, func() {
		GatewayFetch("ipfs", "success")
		GatewaySubscriptions("ipfs", 3)
		BlockProcessed("1", 10)
		ContractDiscovered("1")
		BytecodeRetry("1")
		Assembly("completed")
		MatchStored("1", "perfect")
	})
}
