package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FedaPayProvider implements the mobile-money rail against the FedaPay REST
// API. FedaPay publishes no Go SDK, so this is a thin hand-rolled client.
type FedaPayProvider struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	callbackURL   string
	httpClient    *http.Client

	// tolerance bounds how old a signed webhook timestamp may be.
	tolerance time.Duration
	now       func() time.Time
}

// NewFedaPayProvider builds a provider. baseURL selects the sandbox or live
// environment; callbackURL is where the hosted checkout returns the customer.
func NewFedaPayProvider(baseURL, apiKey, webhookSecret, callbackURL string) *FedaPayProvider {
	return &FedaPayProvider{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		callbackURL:   callbackURL,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		tolerance:     5 * time.Minute,
		now:           time.Now,
	}
}

type fedapayTransaction struct {
	ID             int64  `json:"id"`
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	CustomMetadata struct {
		InvoiceID string `json:"invoice_id"`
	} `json:"custom_metadata"`
}

type fedapayTransactionEnvelope struct {
	Transaction fedapayTransaction `json:"v1/transaction"`
}

// CreateTransaction opens a transaction and mints its checkout URL.
func (p *FedaPayProvider) CreateTransaction(ctx context.Context, req CheckoutRequest) (CheckoutTransaction, error) {
	body := map[string]any{
		"description":  fmt.Sprintf("Invoice %s", req.InvoiceID),
		"amount":       req.Amount.IntPart(),
		"currency":     map[string]string{"iso": req.Currency},
		"callback_url": p.callbackURL,
		"custom_metadata": map[string]string{
			"invoice_id": req.InvoiceID.String(),
		},
	}
	if req.Customer.Email != "" || req.Customer.Phone != "" {
		customer := map[string]any{}
		if req.Customer.Name != "" {
			customer["firstname"] = req.Customer.Name
		}
		if req.Customer.Email != "" {
			customer["email"] = req.Customer.Email
		}
		if req.Customer.Phone != "" {
			customer["phone_number"] = map[string]string{"number": req.Customer.Phone, "country": "bj"}
		}
		body["customer"] = customer
	}

	var created fedapayTransactionEnvelope
	if err := p.do(ctx, http.MethodPost, "/v1/transactions", body, &created); err != nil {
		return CheckoutTransaction{}, err
	}

	var token struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	tokenPath := fmt.Sprintf("/v1/transactions/%d/token", created.Transaction.ID)
	if err := p.do(ctx, http.MethodPost, tokenPath, nil, &token); err != nil {
		return CheckoutTransaction{}, err
	}

	return checkoutTransactionFrom(created.Transaction, token.URL), nil
}

// FetchTransaction re-fetches a transaction by reference for verification.
func (p *FedaPayProvider) FetchTransaction(ctx context.Context, ref string) (CheckoutTransaction, error) {
	var envelope fedapayTransactionEnvelope
	path := "/v1/transactions/search?reference=" + ref
	if err := p.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return CheckoutTransaction{}, err
	}
	if envelope.Transaction.Reference != ref {
		return CheckoutTransaction{}, fmt.Errorf("fedapay: transaction %q not found", ref)
	}
	return checkoutTransactionFrom(envelope.Transaction, ""), nil
}

func checkoutTransactionFrom(tx fedapayTransaction, url string) CheckoutTransaction {
	invoiceID, _ := uuid.Parse(tx.CustomMetadata.InvoiceID)
	return CheckoutTransaction{
		Ref:         tx.Reference,
		CheckoutURL: url,
		Approved:    tx.Status == "approved",
		Amount:      decimal.NewFromInt(tx.Amount),
		InvoiceID:   invoiceID,
	}
}

// VerifySignature checks the X-FEDAPAY-SIGNATURE header: an HMAC-SHA256 of
// "<timestamp>.<payload>" under the webhook secret, with a freshness bound.
func (p *FedaPayProvider) VerifySignature(payload []byte, signatureHeader string) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("fedapay: bad signature timestamp: %w", err)
			}
			ts = parsed
		case "s":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return fmt.Errorf("fedapay: malformed signature header")
	}
	if age := p.now().Sub(time.Unix(ts, 0)); age > p.tolerance || age < -p.tolerance {
		return fmt.Errorf("fedapay: signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("fedapay: signature mismatch")
	}
	return nil
}

// ParseWebhook extracts the event name and transaction from a callback body.
func (p *FedaPayProvider) ParseWebhook(payload []byte) (WebhookEvent, error) {
	var event struct {
		Name   string             `json:"name"`
		Entity fedapayTransaction `json:"entity"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("fedapay: decode webhook: %w", err)
	}
	if event.Entity.Reference == "" {
		return WebhookEvent{}, fmt.Errorf("fedapay: webhook missing transaction reference")
	}
	final := event.Name == "transaction.approved" ||
		event.Name == "transaction.declined" ||
		event.Name == "transaction.canceled"
	return WebhookEvent{
		Ref:      event.Entity.Reference,
		Approved: event.Name == "transaction.approved",
		Final:    final,
	}, nil
}

func (p *FedaPayProvider) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fedapay: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("fedapay: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fedapay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fedapay: %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("fedapay: decode response: %w", err)
	}
	return nil
}
