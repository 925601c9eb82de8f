// Package exchange implements domain.SwapExecutor against the swap relayer
// service, which routes, submits and confirms the on-chain transaction on
// the wallet's behalf.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/ladderbot/internal/crypto"
	"github.com/quantfold/ladderbot/internal/domain"
)

// RelayerClient submits signed swap requests to the relayer REST API. The
// relayer only reports success once the transaction confirmed, which is what
// lets the engine treat a returned SwapResult as final.
type RelayerClient struct {
	baseURL    string
	signer     *crypto.Signer
	httpClient *http.Client
}

// NewRelayerClient creates a relayer client that signs requests with the
// given wallet signer.
func NewRelayerClient(baseURL string, signer *crypto.Signer, timeout time.Duration) *RelayerClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RelayerClient{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// swapRequest is the wire format for POST /v1/swaps.
type swapRequest struct {
	RequestID string  `json:"request_id"`
	Wallet    string  `json:"wallet"`
	Chain     string  `json:"chain"`
	Contract  string  `json:"contract"`
	Direction string  `json:"direction"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

type swapResponse struct {
	TxRef     string  `json:"tx_ref"`
	FillPrice float64 `json:"fill_price"`
	Quantity  float64 `json:"quantity"`
	Status    string  `json:"status"`
	Error     string  `json:"error"`
}

// Swap submits one swap and blocks until the relayer confirms or rejects
// it. For buys the amount is native currency to spend; for sells it is the
// token quantity to liquidate.
func (c *RelayerClient) Swap(ctx context.Context, token domain.TokenIdentity, amount float64, direction domain.TradeDirection) (domain.SwapResult, error) {
	if amount <= 0 {
		return domain.SwapResult{}, fmt.Errorf("exchange: non-positive amount %g for %s", amount, token.Key())
	}

	req := swapRequest{
		RequestID: uuid.New().String(),
		Wallet:    c.signer.Address().Hex(),
		Chain:     token.Chain,
		Contract:  token.Contract,
		Direction: string(direction),
		Amount:    amount,
		Timestamp: time.Now().Unix(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("exchange: marshal swap request: %w", err)
	}

	sig, err := c.signer.SignMessage(body)
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("exchange: sign swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/swaps", bytes.NewReader(body))
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("exchange: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Wallet-Signature", sig)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("exchange: swap %s %s: %w", direction, token.Key(), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("exchange: read swap response: %w", err)
	}

	var resp swapResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.SwapResult{}, fmt.Errorf("exchange: decode swap response (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 400 || resp.Status != "confirmed" {
		msg := resp.Error
		if msg == "" {
			msg = resp.Status
		}
		return domain.SwapResult{}, fmt.Errorf("exchange: swap %s %s rejected (status %d): %s",
			direction, token.Key(), httpResp.StatusCode, msg)
	}
	if resp.TxRef == "" || resp.FillPrice <= 0 {
		return domain.SwapResult{}, fmt.Errorf("exchange: malformed confirmation for %s: tx=%q price=%g",
			token.Key(), resp.TxRef, resp.FillPrice)
	}

	return domain.SwapResult{
		TxRef:     resp.TxRef,
		FillPrice: resp.FillPrice,
		Quantity:  resp.Quantity,
	}, nil
}

var _ domain.SwapExecutor = (*RelayerClient)(nil)
