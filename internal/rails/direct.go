package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agentgateway/internal/canonical"
	"agentgateway/internal/signer"
)

// DirectConfig configures the direct-rail adapter's signed-POST settlement
// path. RatePerSecond/Burst bound outbound calls per vendor endpoint so one
// slow or chatty vendor cannot starve the others.
type DirectConfig struct {
	Signer        *signer.Signer
	Client        *http.Client
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// DirectAdapter posts a canonically-serialized, Ed25519-signed settlement
// request straight to the vendor's direct endpoint, echoing the mandate id
// as the vendor-facing idempotency key. Grounded on the outbound,
// rate-limited delivery-worker shape this codebase's escrow-gateway family
// uses for webhook delivery, re-purposed here for outbound settlement calls.
type DirectAdapter struct {
	cfg DirectConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDirectAdapter(cfg DirectConfig) *DirectAdapter {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst == 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &DirectAdapter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (a *DirectAdapter) limiterFor(endpoint string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Limit(a.cfg.RatePerSecond), a.cfg.Burst)
		a.limiters[endpoint] = l
	}
	return l
}

type directSettlementBody struct {
	MandateID string         `json:"mandate_id"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Vendor    string         `json:"vendor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type directSettlementResponse struct {
	Status      string `json:"status"` // settled | pending | declined
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason,omitempty"`
}

func (a *DirectAdapter) Execute(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if req.VendorEndpoint == "" {
		return failureResult(fmt.Errorf("direct rail: vendor has no direct endpoint configured")), nil
	}

	limiter := a.limiterFor(req.VendorEndpoint)
	if err := limiter.Wait(ctx); err != nil {
		return failureResult(err), nil
	}

	body := directSettlementBody{
		MandateID: req.MandateID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Vendor:    req.Vendor,
		Metadata:  req.Metadata,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return failureResult(err), nil
	}
	canonMap, err := jsonToMap(raw)
	if err != nil {
		return failureResult(err), nil
	}
	canonBytes, err := canonical.Marshal(canonMap)
	if err != nil {
		return failureResult(err), nil
	}
	signatureHex, err := a.cfg.Signer.SignPayload(canonBytes)
	if err != nil {
		return failureResult(err), nil
	}

	var result directSettlementResponse
	err = withRetry(ctx, isHTTPRetryable, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.VendorEndpoint, bytes.NewReader(canonBytes))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.MandateID)
		httpReq.Header.Set("X-Signature", signatureHex)
		httpReq.Header.Set("X-Public-Key", a.cfg.Signer.PublicKeyHex())

		resp, err := a.cfg.Client.Do(httpReq)
		if err != nil {
			return err
		}
		return decodeOrFail(resp, &result)
	})
	if err != nil {
		return failureResult(err), nil
	}

	switch result.Status {
	case "settled":
		return PaymentResult{Success: true, Status: ResultSettled, ProviderRef: result.ProviderRef}, nil
	case "pending":
		return PaymentResult{Success: true, Status: ResultPending, ProviderRef: result.ProviderRef}, nil
	default:
		return PaymentResult{Success: false, Status: ResultFailed, Error: result.Reason}, nil
	}
}

func jsonToMap(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
