package rails

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"agentgateway/internal/signer"
)

func testDirectSigner(t *testing.T) *signer.Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	s, err := signer.New(seed)
	require.NoError(t, err)
	return s
}

func TestDirectAdapterExecuteSettles(t *testing.T) {
	sig := testDirectSigner(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "mandate-1", r.Header.Get("Idempotency-Key"))
		require.NotEmpty(t, r.Header.Get("X-Signature"))
		require.Equal(t, sig.PublicKeyHex(), r.Header.Get("X-Public-Key"))

		sigBytes, err := hex.DecodeString(r.Header.Get("X-Signature"))
		require.NoError(t, err)
		_ = sigBytes

		_ = json.NewEncoder(w).Encode(directSettlementResponse{Status: "settled", ProviderRef: "direct-ref-1"})
	}))
	defer server.Close()

	adapter := NewDirectAdapter(DirectConfig{Signer: sig})
	result, err := adapter.Execute(context.Background(), PaymentRequest{
		MandateID:      "mandate-1",
		Amount:         150,
		Currency:       "USD",
		Vendor:         "v1",
		VendorEndpoint: server.URL,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, ResultSettled, result.Status)
	require.Equal(t, "direct-ref-1", result.ProviderRef)
}

func TestDirectAdapterNoEndpointConfigured(t *testing.T) {
	sig := testDirectSigner(t)
	adapter := NewDirectAdapter(DirectConfig{Signer: sig})
	result, err := adapter.Execute(context.Background(), PaymentRequest{MandateID: "m1", Amount: 10})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ResultFailed, result.Status)
}

func TestDirectAdapterDeclined(t *testing.T) {
	sig := testDirectSigner(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(directSettlementResponse{Status: "declined", Reason: "vendor rejected"})
	}))
	defer server.Close()

	adapter := NewDirectAdapter(DirectConfig{Signer: sig})
	result, err := adapter.Execute(context.Background(), PaymentRequest{
		MandateID:      "m2",
		Amount:         10,
		VendorEndpoint: server.URL,
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "vendor rejected", result.Error)
}

func TestDirectAdapterRateLimitsPerEndpoint(t *testing.T) {
	sig := testDirectSigner(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(directSettlementResponse{Status: "settled", ProviderRef: "ref"})
	}))
	defer server.Close()

	adapter := NewDirectAdapter(DirectConfig{Signer: sig, RatePerSecond: 100, Burst: 2})
	req := PaymentRequest{MandateID: "m3", Amount: 10, VendorEndpoint: server.URL}

	for i := 0; i < 2; i++ {
		result, err := adapter.Execute(context.Background(), req)
		require.NoError(t, err)
		require.True(t, result.Success)
	}
	require.Same(t, adapter.limiterFor(server.URL), adapter.limiterFor(server.URL))
	require.NotSame(t, adapter.limiterFor(server.URL), adapter.limiterFor("http://other-vendor.example"))
}
