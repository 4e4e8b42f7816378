package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPGateway calls the escrow ledger service over its JSON API.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewHTTPGateway(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type holdRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type holdResponse struct {
	HoldRef string `json:"hold_ref"`
}

type settleRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (g *HTTPGateway) Hold(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal) (HoldRef, error) {
	var resp holdResponse
	err := g.post(ctx, g.baseURL+"/holds", "", holdRequest{
		TransactionID: transactionID.String(),
		Amount:        amount,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.HoldRef == "" {
		return "", fmt.Errorf("ledger returned empty hold reference")
	}
	return HoldRef(resp.HoldRef), nil
}

func (g *HTTPGateway) Capture(ctx context.Context, ref HoldRef, amount decimal.Decimal, key string) error {
	return g.post(ctx, fmt.Sprintf("%s/holds/%s/capture", g.baseURL, ref), key, settleRequest{Amount: amount}, nil)
}

func (g *HTTPGateway) Release(ctx context.Context, ref HoldRef, amount decimal.Decimal, key string) error {
	return g.post(ctx, fmt.Sprintf("%s/holds/%s/release", g.baseURL, ref), key, settleRequest{Amount: amount}, nil)
}

// post sends body to url. A non-empty key goes out as Idempotency-Key so the
// ledger answers a replay with the original result.
func (g *HTTPGateway) post(ctx context.Context, url, key string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownHold
	case resp.StatusCode == http.StatusConflict:
		return ErrExceedsBalance
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return ErrKeyConflict
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(resp.Body)
		g.log.Warn("ledger server error", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(b))
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
