package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"agentgateway/internal/apierr"
	"agentgateway/internal/httpapi/middleware"
	"agentgateway/internal/httpx"
	"agentgateway/internal/models"
	"agentgateway/internal/orchestrator"
)

type createIntentRequest struct {
	Vendor      string `json:"vendor"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Metadata    any    `json:"metadata"`
}

func (s *Server) createIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Vendor == "" || req.Amount <= 0 || req.Currency == "" {
		httpx.WriteError(w, apierr.New(apierr.KindValidation, "vendor, amount, and currency are required"))
		return
	}

	agentID, err := parseAgentID(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	var rawMeta []byte
	if req.Metadata != nil {
		rawMeta, _ = marshalJSON(req.Metadata)
	}

	intent, err := s.orch.CreateIntent(r.Context(), orchestrator.CreateIntentInput{
		AgentID:     agentID,
		Vendor:      req.Vendor,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Metadata:    rawMeta,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, intentView(*intent))
}

type issueMandateRequest struct {
	IntentID      string `json:"intent_id"`
	ExpiresInHrs  int    `json:"expires_in_hours"`
}

func (s *Server) issueMandate(w http.ResponseWriter, r *http.Request) {
	var req issueMandateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.IntentID == "" {
		httpx.WriteError(w, apierr.New(apierr.KindValidation, "intent_id is required"))
		return
	}
	// expires_in_hours is only range-checked here; the mandate's expiry comes
	// from the orchestrator's MandateTTL.
	if req.ExpiresInHrs > 720 {
		httpx.WriteError(w, apierr.New(apierr.KindValidation, "expires_in_hours must be <= 720"))
		return
	}

	callerAgentID := middleware.AgentID(r.Context())
	mandate, err := s.orch.IssueMandate(r.Context(), callerAgentID, req.IntentID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, mandateView(*mandate, s.signerPublicKeyHex))
}

type executePaymentRequest struct {
	MandateID string `json:"mandate_id"`
	Metadata  any    `json:"metadata"`
}

func (s *Server) executePayment(w http.ResponseWriter, r *http.Request) {
	var req executePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.MandateID == "" {
		httpx.WriteError(w, apierr.New(apierr.KindValidation, "mandate_id is required"))
		return
	}

	callerAgentID := middleware.AgentID(r.Context())
	payment, err := s.orch.ExecutePayment(r.Context(), callerAgentID, req.MandateID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, paymentView(*payment))
}

func (s *Server) getMandate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var mandate models.Mandate
	if err := s.db.WithContext(r.Context()).Where("id = ?", id).First(&mandate).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.WriteError(w, apierr.New(apierr.KindMandateNotFound, "mandate not found"))
			return
		}
		httpx.WriteError(w, apierr.Wrap(apierr.KindDatabaseError, "load mandate", err))
		return
	}
	if mandate.AgentID.String() != middleware.AgentID(r.Context()) {
		httpx.WriteError(w, apierr.New(apierr.KindForbidden, "mandate does not belong to caller"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mandateView(mandate, s.signerPublicKeyHex))
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var receipt models.Receipt
	if err := s.db.WithContext(r.Context()).Where("id = ?", id).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.WriteError(w, apierr.New(apierr.KindReceiptNotFound, "receipt not found"))
			return
		}
		httpx.WriteError(w, apierr.Wrap(apierr.KindDatabaseError, "load receipt", err))
		return
	}
	if receipt.AgentID.String() != middleware.AgentID(r.Context()) {
		httpx.WriteError(w, apierr.New(apierr.KindForbidden, "receipt does not belong to caller"))
		return
	}

	var payment models.Payment
	if err := s.db.WithContext(r.Context()).Where("id = ?", receipt.PaymentID).First(&payment).Error; err != nil {
		httpx.WriteError(w, apierr.Wrap(apierr.KindDatabaseError, "load receipt payment", err))
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		writeReceiptCSV(w, receipt, payment)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, receiptView(receipt, payment))
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	var chainReceipts []models.Receipt
	err := s.db.WithContext(r.Context()).
		Where("agent_id = ?", agentID).
		Order("chain_index DESC").
		Limit(limit).Offset(offset).
		Find(&chainReceipts).Error
	if err != nil {
		httpx.WriteError(w, apierr.Wrap(apierr.KindDatabaseError, "list receipts", err))
		return
	}

	views := make([]receiptSummary, 0, len(chainReceipts))
	for _, rcpt := range chainReceipts {
		views = append(views, receiptSummary{
			ID:         rcpt.ID.String(),
			PaymentID:  rcpt.PaymentID.String(),
			ChainIndex: rcpt.ChainIndex,
			Hash:       rcpt.Hash,
			PrevHash:   rcpt.PrevHash,
			CreatedAt:  rcpt.CreatedAt.UTC(),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"receipts": views})
}

func (s *Server) verifyReceiptChain(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())
	result, err := s.chainer.Verify(r.Context(), mustParseUUID(agentID))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":     result.Valid,
		"broken_at": result.BrokenAt,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rail := chi.URLParam(r, "rail")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, apierr.Wrap(apierr.KindInvalidRequest, "read webhook body", err))
		return
	}

	timestamp := r.Header.Get("X-Webhook-Timestamp")
	signature := r.Header.Get("X-Webhook-Signature")
	header := "t=" + timestamp + ",v1=" + signature
	if err := s.webhooks.VerifySignature(rail, header, body); err != nil {
		httpx.WriteError(w, err)
		return
	}

	status, respBody := s.webhooks.Handle(r.Context(), rail, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// --- view shapes ---

func intentView(i models.PurchaseIntent) map[string]any {
	return map[string]any{
		"intent_id": i.ID.String(),
		"agent_id":  i.AgentID.String(),
		"vendor":    i.Vendor,
		"amount":    i.Amount,
		"currency":  i.Currency,
		"status":    i.Status,
	}
}

func mandateView(m models.Mandate, publicKeyHex string) map[string]any {
	return map[string]any{
		"mandate_id": m.ID.String(),
		"intent_id":  m.IntentID.String(),
		"agent_id":   m.AgentID.String(),
		"vendor":     m.Vendor,
		"amount":     m.Amount,
		"currency":   m.Currency,
		"signature":  m.Signature,
		"hash":       m.Hash,
		"public_key": publicKeyHex,
		"status":     m.Status,
		"issued_at":  m.IssuedAt.UTC(),
		"expires_at": m.ExpiresAt.UTC(),
	}
}

func paymentView(p models.Payment) map[string]any {
	return map[string]any{
		"payment_id":   p.ID.String(),
		"mandate_id":   p.MandateID.String(),
		"status":       p.Status,
		"rail":         p.Rail,
		"provider_ref": p.ProviderRef,
	}
}

type receiptSummary struct {
	ID         string    `json:"id"`
	PaymentID  string    `json:"payment_id"`
	ChainIndex int64     `json:"chain_index"`
	Hash       string    `json:"hash"`
	PrevHash   *string   `json:"prev_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

func receiptView(r models.Receipt, p models.Payment) map[string]any {
	return map[string]any{
		"receipt_id":  r.ID.String(),
		"chain_index": r.ChainIndex,
		"prev_hash":   r.PrevHash,
		"hash":        r.Hash,
		"payment": map[string]any{
			"payment_id":   p.ID.String(),
			"mandate_id":   p.MandateID.String(),
			"amount":       p.Amount,
			"currency":     p.Currency,
			"status":       p.Status,
			"provider_ref": p.ProviderRef,
		},
	}
}

func writeReceiptCSV(w http.ResponseWriter, r models.Receipt, p models.Payment) {
	_, _ = w.Write([]byte("receipt_id,chain_index,prev_hash,hash,payment_id,amount,currency,status\n"))
	prev := ""
	if r.PrevHash != nil {
		prev = *r.PrevHash
	}
	line := r.ID.String() + "," + strconv.FormatInt(r.ChainIndex, 10) + "," + prev + "," + r.Hash + "," +
		p.ID.String() + "," + strconv.FormatInt(p.Amount, 10) + "," + p.Currency + "," + string(p.Status) + "\n"
	_, _ = w.Write([]byte(line))
}
