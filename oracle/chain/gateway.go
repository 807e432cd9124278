package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
)

// IdempotencyHeader carries the payment reference so the gateway can drop repeats.
const IdempotencyHeader = "Idempotency-Key"

// Gateway talks JSON over HTTP to a payment gateway that fronts the stablecoin network.
//
//	GET  /v1/transfers/{hash}  -> {"tx_hash","from","to","amount","status"}
//	GET  /v1/balances/{addr}   -> {"address","balance"}
//	POST /v1/payments          -> {"tx_hash"}
//
// Amounts are decimal strings in USDC.
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGateway creates a gateway client.
func NewGateway(baseURL, token string, timeout time.Duration) (*Gateway, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid gateway url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		baseURL:    u.String(),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// VerifyTransfer implements services.EscrowOracle. Unknown or unconfirmed transfers are not verified yet.
func (g *Gateway) VerifyTransfer(ctx context.Context, txHash, from, to string, amount marketplace.USDC) (bool, error) {
	body, status, err := g.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(strings.TrimSpace(txHash)), nil, "")
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("gateway returned status %d for transfer %s", status, txHash)
	}
	if gjson.GetBytes(body, "status").String() != "confirmed" {
		return false, nil
	}
	got, err := marketplace.ParseUSDC(gjson.GetBytes(body, "amount").String())
	if err != nil {
		return false, fmt.Errorf("transfer %s: %w", txHash, err)
	}
	return strings.EqualFold(gjson.GetBytes(body, "from").String(), from) &&
		strings.EqualFold(gjson.GetBytes(body, "to").String(), to) &&
		got == amount, nil
}

// GetBalance implements services.EscrowOracle.
func (g *Gateway) GetBalance(ctx context.Context, address string) (marketplace.USDC, error) {
	body, status, err := g.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(address), nil, "")
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("gateway returned status %d for balance of %s", status, address)
	}
	return marketplace.ParseUSDC(gjson.GetBytes(body, "balance").String())
}

type paymentBody struct {
	Reference string `json:"reference"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Memo      string `json:"memo,omitempty"`
}

// SendPayment implements services.EscrowOracle. The reference doubles as the idempotency key.
func (g *Gateway) SendPayment(ctx context.Context, req services.PaymentRequest) (string, error) {
	payload, err := json.Marshal(paymentBody{
		Reference: req.Reference,
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount.String(),
		Memo:      req.Memo,
	})
	if err != nil {
		return "", fmt.Errorf("encode payment: %w", err)
	}
	body, status, err := g.do(ctx, http.MethodPost, "/v1/payments", payload, req.Reference)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = http.StatusText(status)
		}
		return "", fmt.Errorf("payment %s rejected (%d): %s", req.Reference, status, msg)
	}
	hash := gjson.GetBytes(body, "tx_hash").String()
	if hash == "" {
		return "", fmt.Errorf("payment %s: gateway response has no tx_hash", req.Reference)
	}
	return hash, nil
}

func (g *Gateway) do(ctx context.Context, method, path string, payload []byte, idempotencyKey string) ([]byte, int, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rd)
	if err != nil {
		return nil, 0, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read gateway response: %w", err)
	}
	if len(body) > 0 && resp.StatusCode < 300 && !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("gateway %s %s: response is not JSON", method, path)
	}
	return body, resp.StatusCode, nil
}
