// Package chain implements the external chain collaborator: a TronGrid-style
// event API for observing TRC20 transfers, and a wallet daemon endpoint that
// holds the keys and signs outgoing payments. The engine never touches a
// private key.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/useCases"
)

// trc20Scale converts raw token units to USDT (6 decimals).
const trc20Scale = -6

type Config struct {
	TronGridURL     string
	WalletDaemonURL string
	Contract        string
	OperatorAddress string
}

// TronGridClient implements the ChainClient interface over HTTP.
type TronGridClient struct {
	http   *http.Client
	config Config
}

func NewTronGridClient(cfg Config) *TronGridClient {
	return &TronGridClient{
		http:   &http.Client{Timeout: 20 * time.Second},
		config: cfg,
	}
}

var _ useCases.ChainClient = (*TronGridClient)(nil)

func (c *TronGridClient) OperatorAddress() string {
	return c.config.OperatorAddress
}

// eventPage is the TronGrid contract-events response shape.
type eventPage struct {
	Data []struct {
		TransactionID  string `json:"transaction_id"`
		BlockTimestamp int64  `json:"block_timestamp"`
		Result         struct {
			From  string `json:"from"`
			To    string `json:"to"`
			Value string `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Success bool `json:"success"`
}

// PollTransfers returns confirmed Transfer events of the configured contract
// since the cursor (a block timestamp in milliseconds). The next cursor is
// one past the newest observed event, so overlapping windows only re-deliver,
// never skip; re-delivery is the matcher's problem and it dedups.
func (c *TronGridClient) PollTransfers(ctx context.Context, cursor int64) ([]model.TransferEvent, int64, error) {
	q := url.Values{}
	q.Set("event_name", "Transfer")
	q.Set("only_confirmed", "true")
	q.Set("limit", "200")
	q.Set("min_block_timestamp", strconv.FormatInt(cursor, 10))
	endpoint := fmt.Sprintf("%s/v1/contracts/%s/events?%s", c.config.TronGridURL, c.config.Contract, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, cursor, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cursor, fmt.Errorf("trongrid returned status %d", resp.StatusCode)
	}

	var page eventPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, cursor, fmt.Errorf("failed to decode events: %w", err)
	}

	events := make([]model.TransferEvent, 0, len(page.Data))
	next := cursor
	for _, raw := range page.Data {
		value, err := decimal.NewFromString(raw.Result.Value)
		if err != nil {
			// A transfer we cannot parse is not a transfer we can credit.
			continue
		}
		events = append(events, model.TransferEvent{
			TxID:      raw.TransactionID,
			From:      raw.Result.From,
			To:        raw.Result.To,
			Amount:    value.Shift(trc20Scale),
			BlockTime: raw.BlockTimestamp,
		})
		if raw.BlockTimestamp >= next {
			next = raw.BlockTimestamp + 1
		}
	}
	return events, next, nil
}

type paymentRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

type paymentResponse struct {
	TxID  string `json:"tx_id"`
	Error string `json:"error"`
}

// SendPayment asks the wallet daemon to sign and broadcast a USDT payment.
func (c *TronGridClient) SendPayment(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	body, err := json.Marshal(paymentRequest{To: toAddress, Amount: amount.String(), Token: "USDT"})
	if err != nil {
		return "", err
	}
	endpoint := c.config.WalletDaemonURL + "/api/v1/payments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var pr paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("failed to decode payment response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || pr.TxID == "" {
		if pr.Error == "" {
			pr.Error = fmt.Sprintf("wallet daemon returned status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("payment rejected: %s", pr.Error)
	}
	return pr.TxID, nil
}
