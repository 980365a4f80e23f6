package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"attestor/internal/models"
)

// WalletClient talks JSON-RPC to the headless wallet node that owns keys,
// composes transactions and watches addresses. It implements both ChainQuery
// and Signer; the settlement core never sees wallet specifics.
type WalletClient struct {
	baseURL string
	client  *http.Client
}

func NewWalletClient(baseURL string) *WalletClient {
	return &WalletClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *WalletClient) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("wallet rpc %s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wallet rpc %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet rpc %s: status %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("wallet rpc %s: decode: %w", method, err)
	}
	if rr.Error != nil {
		if rr.Error.Code == "insufficient_funds" {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("wallet rpc %s: %s", method, rr.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("wallet rpc %s: result: %w", method, err)
		}
	}
	return nil
}

func (c *WalletClient) UnitAuthors(ctx context.Context, unit models.UnitID) ([]models.Address, error) {
	var out []models.Address
	err := c.call(ctx, "unit_authors", map[string]any{"unit": unit}, &out)
	return out, err
}

func (c *WalletClient) TransferInputs(ctx context.Context, units []models.UnitID) ([]AncestorInput, error) {
	var out []AncestorInput
	err := c.call(ctx, "transfer_inputs", map[string]any{"units": units}, &out)
	return out, err
}

func (c *WalletClient) Balance(ctx context.Context, addr models.Address) (int64, error) {
	var out struct {
		Stable int64 `json:"stable"`
	}
	err := c.call(ctx, "balance", map[string]any{"address": addr}, &out)
	return out.Stable, err
}

func (c *WalletClient) IssueReceivingAddress(ctx context.Context) (models.Address, error) {
	var out models.Address
	err := c.call(ctx, "issue_address", nil, &out)
	return out, err
}

func (c *WalletClient) SendPayment(ctx context.Context, from models.Address, outputs []Output) (models.UnitID, error) {
	var out struct {
		Unit models.UnitID `json:"unit"`
	}
	err := c.call(ctx, "send_payment", map[string]any{"from": from, "outputs": outputs}, &out)
	return out.Unit, err
}

func (c *WalletClient) PostAttestation(ctx context.Context, attestor models.Address, payload []byte) (models.UnitID, error) {
	var out struct {
		Unit models.UnitID `json:"unit"`
	}
	err := c.call(ctx, "post_attestation", map[string]any{
		"attestor": attestor, "payload": json.RawMessage(payload),
	}, &out)
	return out.Unit, err
}

func (c *WalletClient) CreateVestingContract(ctx context.Context, user models.Address, device models.DeviceID, vestingTS, reclaimTS int64) (models.Address, error) {
	var out models.Address
	err := c.call(ctx, "create_vesting_contract", map[string]any{
		"user": user, "device": device, "vesting_ts": vestingTS, "reclaim_ts": reclaimTS,
	}, &out)
	return out, err
}

// SendMessage delivers a chat message to a paired device through the wallet
// node's messaging transport.
func (c *WalletClient) SendMessage(ctx context.Context, device models.DeviceID, text string) error {
	return c.call(ctx, "send_message", map[string]any{"device": device, "text": text}, nil)
}

// Event is one wallet notification about watched addresses.
type Event struct {
	Kind    string          `json:"kind"` // payment | stable
	Unit    models.UnitID   `json:"unit,omitempty"`
	Address models.Address  `json:"address,omitempty"`
	Amount  int64           `json:"amount,omitempty"`
	Asset   string          `json:"asset,omitempty"`
	Units   []models.UnitID `json:"units,omitempty"`
}

// Subscribe long-polls the wallet node for events and dispatches them until
// the context is cancelled. Poll errors back off and retry; the wallet
// replays undelivered events, so nothing is lost across reconnects.
func (c *WalletClient) Subscribe(ctx context.Context, handle func(ctx context.Context, ev Event)) error {
	for {
		var events []Event
		err := c.call(ctx, "poll_events", nil, &events)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, ev := range events {
			handle(ctx, ev)
		}
		if len(events) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}
