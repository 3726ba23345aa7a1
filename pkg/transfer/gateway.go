package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// GatewayStatus is the processor's view of a submitted transfer.
type GatewayStatus string

const (
	GatewayPending        GatewayStatus = "Pending"
	GatewayProcessing     GatewayStatus = "Processing"
	GatewayComplete       GatewayStatus = "Complete"
	GatewayFailed         GatewayStatus = "Failed"
	GatewayInvalidAccount GatewayStatus = "InvalidAccount"
)

// Terminal reports whether the processor is done with the transfer.
func (s GatewayStatus) Terminal() bool {
	switch s {
	case GatewayComplete, GatewayFailed, GatewayInvalidAccount:
		return true
	}
	return false
}

// GatewayRequest is the submission payload for a domestic transfer.
type GatewayRequest struct {
	TransferID     string              `json:"transferId"`
	Amount         decimal.Decimal     `json:"amount"`
	Memo           string              `json:"memo,omitempty"`
	Sender         bank.Party          `json:"sender"`
	RecipientName  string              `json:"recipientName"`
	AccountNumber  string              `json:"accountNumber"`
	RoutingNumber  string              `json:"routingNumber"`
	Depository     bank.Depository     `json:"depository"`
	PaymentNetwork bank.PaymentNetwork `json:"paymentNetwork"`
}

// GatewayResponse reports the processor's decision. Business outcomes,
// including invalid account details, arrive in the body of a 2xx response;
// non-2xx statuses mean the processor could not be asked.
type GatewayResponse struct {
	TransactionID string        `json:"transactionId"`
	Status        GatewayStatus `json:"status"`
	Detail        string        `json:"detail,omitempty"`
}

// Gateway is the external transfer processor.
type Gateway interface {
	SubmitTransfer(ctx context.Context, req GatewayRequest) (GatewayResponse, error)
	CheckProgress(ctx context.Context, transactionID string) (GatewayResponse, error)
}

// HTTPGateway talks JSON to the processor's REST API.
type HTTPGateway struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// GatewayOption configures the HTTP gateway.
type GatewayOption func(*HTTPGateway)

// WithHTTPClient replaces the default client (10 s timeout).
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *HTTPGateway) {
		g.client = client
	}
}

// NewHTTPGateway builds a gateway client. The token source supplies the
// bearer credential per request, so rotation needs no restart.
func NewHTTPGateway(baseURL string, tokens TokenSource, opts ...GatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SubmitTransfer submits a transfer for processing.
func (g *HTTPGateway) SubmitTransfer(ctx context.Context, req GatewayRequest) (GatewayResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GatewayResponse{}, fmt.Errorf("marshal transfer %s: %w", req.TransferID, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return GatewayResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return g.do(httpReq)
}

// CheckProgress polls the processor for an in-flight transfer.
func (g *HTTPGateway) CheckProgress(ctx context.Context, transactionID string) (GatewayResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/transfers/"+transactionID, nil)
	if err != nil {
		return GatewayResponse{}, err
	}
	return g.do(httpReq)
}

func (g *HTTPGateway) do(req *http.Request) (GatewayResponse, error) {
	token, err := g.tokens.Token(req.Context())
	if err != nil {
		return GatewayResponse{}, fmt.Errorf("gateway credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return GatewayResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return GatewayResponse{}, fmt.Errorf("gateway status %d: %s", resp.StatusCode, snippet)
	}

	var out GatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return GatewayResponse{}, fmt.Errorf("decode gateway response: %w", err)
	}
	return out, nil
}
