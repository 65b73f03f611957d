package withdraw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bankroll/settlement-engine/internal/model"
)

// HTTPSender hands withdrawals to a payment gateway over HTTP. The gateway
// answers 200 with {"reference": "..."} once the payment is broadcast.
//
// Only answers that prove nothing was sent are retryable: 429 and 503, and
// a request that could not be built. Everything else, transport errors
// included, is an unknown outcome.
type HTTPSender struct {
	url    string
	client *http.Client
}

func NewHTTPSender(url string, client *http.Client) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{url: url, client: client}
}

type sendRequest struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
	Memo        string `json:"memo,omitempty"`
}

type sendResponse struct {
	Reference string `json:"reference"`
}

func (s *HTTPSender) Send(ctx context.Context, w model.Withdrawal) (string, error) {
	body, err := json.Marshal(sendRequest{ID: w.ID, Amount: w.Amount, Destination: w.Destination, Memo: w.Memo})
	if err != nil {
		return "", fmt.Errorf("encode withdrawal %s: %w: %w", w.ID, ErrRetryable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w: %w", ErrRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The gateway deduplicates on this key.
	req.Header.Set("Idempotency-Key", w.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send withdrawal %s: %w", w.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return "", fmt.Errorf("gateway returned %d: %w", resp.StatusCode, ErrRetryable)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	return out.Reference, nil
}
