package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/types"
)

const maxRemoteResponse = 1 << 20

// Remote delegates verification and settlement to an external facilitator
// service over HTTP.
type Remote struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	log     logger.Logger
}

var _ Facilitator = (*Remote)(nil)

func NewRemote(cfg config.RemoteConfig, opts ...Option) *Remote {
	o := buildOptions(opts)

	client := o.httpClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = config.DefaultRemoteTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Remote{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		headers: maps.Clone(cfg.Headers),
		client:  client,
		log:     o.logger,
	}
}

// Capabilities reports what the service is expected to do; the checks happen
// on the remote side.
func (r *Remote) Capabilities() Capabilities {
	return Capabilities{SignatureVerification: true, BalanceCheck: true, Settlement: true}
}

func (r *Remote) Verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (*types.VerificationResult, error) {
	body, err := r.post(ctx, "/verify", payload, reqs)
	if err != nil {
		r.log.Warn("remote verify failed", map[string]any{"error": err})
		return types.Invalid(types.WithDetail(types.ReasonRemoteError, err.Error())), nil
	}

	var res types.VerificationResult
	if err := json.Unmarshal(body, &res); err != nil {
		return types.Invalid(types.WithDetail(types.ReasonRemoteError, "invalid verify response: "+err.Error())), nil
	}
	return &res, nil
}

func (r *Remote) Settle(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (*types.SettleResponse, error) {
	body, err := r.post(ctx, "/settle", payload, reqs)
	if err != nil {
		r.log.Warn("remote settle failed", map[string]any{"error": err})
		return types.SettleFailure(types.WithDetail(types.ReasonRemoteError, err.Error())), nil
	}

	var res types.SettleResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return types.SettleFailure(types.WithDetail(types.ReasonRemoteError, "invalid settle response: "+err.Error())), nil
	}
	res.Raw = body
	return &res, nil
}

func (r *Remote) post(ctx context.Context, path string, payload *types.PaymentPayload, reqs *types.PaymentRequirements) ([]byte, error) {
	data, err := json.Marshal(types.VerifyRequest{
		X402Version:         int(types.X402Version1),
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		// *url.Error repeats the facilitator URL; keep only the cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}
