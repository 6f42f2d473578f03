package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CardConfig configures the card-rail adapter's connection to the upstream
// card processor. AppID is sent as the X-App-Id header; its prefix does not
// switch between sandbox and production, BaseURL alone decides which
// processor environment is called.
type CardConfig struct {
	BaseURL string
	AppID   string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

// CardAdapter performs the 2-phase card-rail interaction: create an order,
// then execute it by session id. Amounts are converted to major units only
// for the wire call; the minor-unit integer is preserved internally.
// Grounded on the create/get-invoice shape this codebase's payment-gateway
// family uses for its 2-phase provider interaction.
type CardAdapter struct {
	cfg CardConfig
}

func NewCardAdapter(cfg CardConfig) *CardAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &CardAdapter{cfg: cfg}
}

type createOrderRequest struct {
	Amount          float64        `json:"amount"`
	Currency        string         `json:"currency"`
	Vendor          string         `json:"vendor"`
	CustomerContact string         `json:"customer_contact"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type createOrderResponse struct {
	SessionID string `json:"session_id"`
}

type executeOrderResponse struct {
	Status      string `json:"status"` // settled | pending | declined
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason,omitempty"`
}

func (a *CardAdapter) Execute(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	majorUnits := float64(req.Amount) / 100.0

	var session createOrderResponse
	err := withRetry(ctx, isHTTPRetryable, func(ctx context.Context) error {
		resp, err := a.postJSON(ctx, "/orders", createOrderRequest{
			Amount:          majorUnits,
			Currency:        req.Currency,
			Vendor:          req.Vendor,
			CustomerContact: req.CustomerContact,
			Metadata:        req.Metadata,
		})
		if err != nil {
			return err
		}
		return decodeOrFail(resp, &session)
	})
	if err != nil {
		return failureResult(err), nil
	}

	var exec executeOrderResponse
	err = withRetry(ctx, isHTTPRetryable, func(ctx context.Context) error {
		resp, err := a.postJSON(ctx, "/orders/"+session.SessionID+"/execute", nil)
		if err != nil {
			return err
		}
		return decodeOrFail(resp, &exec)
	})
	if err != nil {
		return failureResult(err), nil
	}

	switch exec.Status {
	case "settled":
		return PaymentResult{Success: true, Status: ResultSettled, ProviderRef: exec.ProviderRef}, nil
	case "pending":
		return PaymentResult{Success: true, Status: ResultPending, ProviderRef: exec.ProviderRef}, nil
	default:
		return PaymentResult{Success: false, Status: ResultFailed, Error: exec.Reason}, nil
	}
}

func (a *CardAdapter) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.Secret)
	req.Header.Set("X-App-Id", a.cfg.AppID)
	return a.cfg.Client.Do(req)
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("card rail: unexpected status %d", e.status)
}

func isHTTPRetryable(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	if !ok {
		return false
	}
	return shouldRetry(statusErr.status)
}

func decodeOrFail(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func failureResult(err error) PaymentResult {
	return PaymentResult{Success: false, Status: ResultFailed, Error: err.Error()}
}
