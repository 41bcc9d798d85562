package facilitator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/types"
)

func TestRemoteVerify(t *testing.T) {
	var got types.VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isValid":true,"payer":"` + testFrom + `"}`))
	}))
	defer server.Close()

	remote := NewRemote(config.RemoteConfig{
		URL:     server.URL + "/",
		Headers: map[string]string{"Authorization": "Bearer token"},
		Timeout: time.Second,
	})

	payload, reqs := testPayment()
	res, err := remote.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, testFrom, res.Payer)

	assert.Equal(t, 1, got.X402Version)
	require.NotNil(t, got.PaymentPayload)
	assert.Equal(t, testNonce, got.PaymentPayload.Payload.Authorization.Nonce.String())
	require.NotNil(t, got.PaymentRequirements)
	assert.Equal(t, testPayTo, got.PaymentRequirements.PayTo)
}

func TestRemoteCopiesHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"isValid":true}`))
	}))
	defer server.Close()

	headers := map[string]string{"Authorization": "Bearer token"}
	remote := NewRemote(config.RemoteConfig{URL: server.URL, Headers: headers})
	headers["Authorization"] = "Bearer other"

	payload, reqs := testPayment()
	res, err := remote.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestRemoteVerifyPassesInvalidResultThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"isValid":false,"invalidReason":"insufficient_funds"}`))
	}))
	defer server.Close()

	payload, reqs := testPayment()
	res, err := NewRemote(config.RemoteConfig{URL: server.URL}).Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, "insufficient_funds", res.InvalidReason)
}

func TestRemoteSettleKeepsRawBody(t *testing.T) {
	raw := `{"success":true,"transaction":"0xfeed","network":"base-sepolia","payer":"` + testFrom + `","extra":"kept"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		_, _ = w.Write([]byte(raw))
	}))
	defer server.Close()

	payload, reqs := testPayment()
	resp, err := NewRemote(config.RemoteConfig{URL: server.URL}).Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xfeed", resp.Transaction)
	assert.JSONEq(t, raw, string(resp.Raw))
}

func TestRemoteErrors(t *testing.T) {
	payload, reqs := testPayment()

	t.Run("status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		remote := NewRemote(config.RemoteConfig{URL: server.URL})
		res, err := remote.Verify(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Equal(t, "remote_error: status 500", res.InvalidReason)

		resp, err := remote.Settle(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, types.ReasonRemoteError, types.ReasonCode(resp.Error))
	})

	t.Run("bad json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer server.Close()

		res, err := NewRemote(config.RemoteConfig{URL: server.URL}).Verify(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Contains(t, res.InvalidReason, "invalid verify response")
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		res, err := NewRemote(config.RemoteConfig{URL: url}).Verify(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Equal(t, types.ReasonRemoteError, types.ReasonCode(res.InvalidReason))
		assert.NotContains(t, res.InvalidReason, url)
	})
}

func TestRemoteUsesProvidedHTTPClient(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"isValid":true}`))
	}))
	defer server.Close()

	remote := NewRemote(config.RemoteConfig{URL: server.URL}, WithHTTPClient(server.Client()))
	payload, reqs := testPayment()
	_, err := remote.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Capabilities{SignatureVerification: true, BalanceCheck: true, Settlement: true}, remote.Capabilities())
}
