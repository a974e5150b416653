/**
 * @description
 * This package provides a client for the wallet engine (monero-wallet-rpc).
 * It encapsulates the JSON-RPC 2.0 plumbing for sub-account management,
 * address rotation, balance and history queries, and the two-step
 * construct/relay transaction flow.
 *
 * All amounts cross this boundary in integer atomic units.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */

package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the wallet engine's JSON-RPC endpoint.
type Client struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// NewClient creates a new wallet engine client.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is the wallet engine's error channel. The message is free text
// and only meaningful through Classify.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/json_rpc", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet rpc %s: unexpected status %d: %s", method, resp.StatusCode, string(body))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// CreateAccount allocates a new sub-account and returns its index and
// primary address.
func (c *Client) CreateAccount(ctx context.Context) (uint64, string, error) {
	var result struct {
		AccountIndex uint64 `json:"account_index"`
		Address      string `json:"address"`
	}
	if err := c.call(ctx, "create_account", struct{}{}, &result); err != nil {
		return 0, "", err
	}
	return result.AccountIndex, result.Address, nil
}

// Subaddress is one receiving address of a sub-account.
type Subaddress struct {
	Address      string `json:"address"`
	AddressIndex uint64 `json:"address_index"`
	Used         bool   `json:"used"`
}

// Addresses returns every receiving address of a sub-account in index order.
func (c *Client) Addresses(ctx context.Context, accountIndex uint64) ([]Subaddress, error) {
	params := struct {
		AccountIndex uint64 `json:"account_index"`
	}{AccountIndex: accountIndex}
	var result struct {
		Addresses []Subaddress `json:"addresses"`
	}
	if err := c.call(ctx, "get_address", params, &result); err != nil {
		return nil, err
	}
	return result.Addresses, nil
}

// AddressAt returns the receiving address at a specific index.
func (c *Client) AddressAt(ctx context.Context, accountIndex, addressIndex uint64) (string, error) {
	params := struct {
		AccountIndex uint64   `json:"account_index"`
		AddressIndex []uint64 `json:"address_index"`
	}{AccountIndex: accountIndex, AddressIndex: []uint64{addressIndex}}
	var result struct {
		Addresses []Subaddress `json:"addresses"`
	}
	if err := c.call(ctx, "get_address", params, &result); err != nil {
		return "", err
	}
	if len(result.Addresses) == 0 {
		return "", fmt.Errorf("no address at index %d for account %d", addressIndex, accountIndex)
	}
	return result.Addresses[0].Address, nil
}

// CreateAddress allocates the next receiving address for a sub-account.
func (c *Client) CreateAddress(ctx context.Context, accountIndex uint64) (string, uint64, error) {
	params := struct {
		AccountIndex uint64 `json:"account_index"`
	}{AccountIndex: accountIndex}
	var result struct {
		Address      string `json:"address"`
		AddressIndex uint64 `json:"address_index"`
	}
	if err := c.call(ctx, "create_address", params, &result); err != nil {
		return "", 0, err
	}
	return result.Address, result.AddressIndex, nil
}

// Balance holds a sub-account's total and unlocked balance in atomic units.
type Balance struct {
	Total    uint64 `json:"balance"`
	Unlocked uint64 `json:"unlocked_balance"`
}

// GetBalance returns the live balance of a sub-account.
func (c *Client) GetBalance(ctx context.Context, accountIndex uint64) (*Balance, error) {
	params := struct {
		AccountIndex uint64 `json:"account_index"`
	}{AccountIndex: accountIndex}
	var result Balance
	if err := c.call(ctx, "get_balance", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TransferEntry is one entry of the wallet's transfer history.
type TransferEntry struct {
	TxID          string `json:"txid"`
	Type          string `json:"type"` // in, out, pending, failed, pool
	Amount        uint64 `json:"amount"`
	Fee           uint64 `json:"fee"`
	Height        uint64 `json:"height"`
	Timestamp     int64  `json:"timestamp"`
	Confirmations uint64 `json:"confirmations"`
	SubaddrIndex  struct {
		Major uint64 `json:"major"`
		Minor uint64 `json:"minor"`
	} `json:"subaddr_index"`
}

// Direction reports whether the entry is incoming.
func (t TransferEntry) Incoming() bool {
	return t.Type == "in" || t.Type == "pool"
}

// Confirmed reports whether the entry has reached a final confirmed state.
func (t TransferEntry) Confirmed() bool {
	return t.Type == "in" || t.Type == "out"
}

// GetTransfers returns the wallet's full transfer history across all
// sub-accounts, most categories included. The reconciler filters what it
// needs; history ordering is not guaranteed by the engine.
func (c *Client) GetTransfers(ctx context.Context) ([]TransferEntry, error) {
	params := struct {
		In          bool `json:"in"`
		Out         bool `json:"out"`
		Pending     bool `json:"pending"`
		Failed      bool `json:"failed"`
		Pool        bool `json:"pool"`
		AllAccounts bool `json:"all_accounts"`
	}{In: true, Out: true, Pending: true, Failed: true, Pool: true, AllAccounts: true}
	var result struct {
		In      []TransferEntry `json:"in"`
		Out     []TransferEntry `json:"out"`
		Pending []TransferEntry `json:"pending"`
		Failed  []TransferEntry `json:"failed"`
		Pool    []TransferEntry `json:"pool"`
	}
	if err := c.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, err
	}
	entries := make([]TransferEntry, 0, len(result.In)+len(result.Out)+len(result.Pending)+len(result.Failed)+len(result.Pool))
	for _, group := range [][]TransferEntry{result.In, result.Out, result.Pending, result.Failed, result.Pool} {
		entries = append(entries, group...)
	}
	return entries, nil
}

// GetTransferByTxID looks up a single history entry by transaction id.
func (c *Client) GetTransferByTxID(ctx context.Context, txID string) (*TransferEntry, error) {
	params := struct {
		TxID string `json:"txid"`
	}{TxID: txID}
	var result struct {
		Transfer TransferEntry `json:"transfer"`
	}
	if err := c.call(ctx, "get_transfer_by_txid", params, &result); err != nil {
		return nil, err
	}
	return &result.Transfer, nil
}

// Refresh synchronizes the wallet with the daemon before a history or
// balance read.
func (c *Client) Refresh(ctx context.Context) error {
	return c.call(ctx, "refresh", struct{}{}, nil)
}

// Store persists wallet state to disk.
func (c *Client) Store(ctx context.Context) error {
	return c.call(ctx, "store", struct{}{}, nil)
}

// Destination is one output of an outgoing transaction.
type Destination struct {
	Address      string `json:"address"`
	AmountAtomic uint64 `json:"amount"`
}

// TransferRequest describes an outgoing transaction to construct. With
// SweepAll set the destination amounts are ignored and the sub-account's
// entire unlocked balance, net of fee, goes to the single destination.
type TransferRequest struct {
	AccountIndex uint64
	Destinations []Destination
	Priority     uint
	SweepAll     bool
}

// PreparedTransfer is a constructed but not yet relayed transaction.
// Committing it is an explicit second step; discarding it costs nothing.
type PreparedTransfer struct {
	TxHash       string
	AmountAtomic uint64
	FeeAtomic    uint64
	Metadata     string
}

// PrepareTransfer constructs a transaction without relaying it. The engine
// rejects unfundable or malformed requests here, before anything hits the
// chain; callers must map the error through Classify.
func (c *Client) PrepareTransfer(ctx context.Context, req TransferRequest) (*PreparedTransfer, error) {
	if req.SweepAll {
		return c.prepareSweep(ctx, req)
	}

	params := struct {
		Destinations  []Destination `json:"destinations"`
		AccountIndex  uint64        `json:"account_index"`
		Priority      uint          `json:"priority"`
		DoNotRelay    bool          `json:"do_not_relay"`
		GetTxMetadata bool          `json:"get_tx_metadata"`
	}{
		Destinations:  req.Destinations,
		AccountIndex:  req.AccountIndex,
		Priority:      req.Priority,
		DoNotRelay:    true,
		GetTxMetadata: true,
	}
	var result struct {
		TxHash     string `json:"tx_hash"`
		Amount     uint64 `json:"amount"`
		Fee        uint64 `json:"fee"`
		TxMetadata string `json:"tx_metadata"`
	}
	if err := c.call(ctx, "transfer", params, &result); err != nil {
		return nil, err
	}
	return &PreparedTransfer{
		TxHash:       result.TxHash,
		AmountAtomic: result.Amount,
		FeeAtomic:    result.Fee,
		Metadata:     result.TxMetadata,
	}, nil
}

func (c *Client) prepareSweep(ctx context.Context, req TransferRequest) (*PreparedTransfer, error) {
	if len(req.Destinations) != 1 {
		return nil, fmt.Errorf("sweep requires exactly one destination, got %d", len(req.Destinations))
	}
	params := struct {
		Address       string `json:"address"`
		AccountIndex  uint64 `json:"account_index"`
		Priority      uint   `json:"priority"`
		DoNotRelay    bool   `json:"do_not_relay"`
		GetTxMetadata bool   `json:"get_tx_metadata"`
	}{
		Address:       req.Destinations[0].Address,
		AccountIndex:  req.AccountIndex,
		Priority:      req.Priority,
		DoNotRelay:    true,
		GetTxMetadata: true,
	}
	var result struct {
		TxHashList     []string `json:"tx_hash_list"`
		AmountList     []uint64 `json:"amount_list"`
		FeeList        []uint64 `json:"fee_list"`
		TxMetadataList []string `json:"tx_metadata_list"`
	}
	if err := c.call(ctx, "sweep_all", params, &result); err != nil {
		return nil, err
	}
	if len(result.TxMetadataList) == 0 {
		return nil, fmt.Errorf("sweep produced no transaction")
	}

	// A sweep can split into several transactions; the receipt aggregates
	// them and the metadata list is relayed as one unit.
	prepared := &PreparedTransfer{}
	for i, meta := range result.TxMetadataList {
		if i > 0 {
			prepared.Metadata += "\n"
		}
		prepared.Metadata += meta
	}
	if len(result.TxHashList) > 0 {
		prepared.TxHash = result.TxHashList[0]
	}
	for _, a := range result.AmountList {
		prepared.AmountAtomic += a
	}
	for _, f := range result.FeeList {
		prepared.FeeAtomic += f
	}
	return prepared, nil
}

// Relay commits a previously constructed transaction to the network and
// returns the final transaction hash. Multi-part metadata (from a sweep)
// relays each part and returns the first hash.
func (c *Client) Relay(ctx context.Context, metadata string) (string, error) {
	first := ""
	for _, part := range splitMetadata(metadata) {
		params := struct {
			Hex string `json:"hex"`
		}{Hex: part}
		var result struct {
			TxHash string `json:"tx_hash"`
		}
		if err := c.call(ctx, "relay_tx", params, &result); err != nil {
			return "", err
		}
		if first == "" {
			first = result.TxHash
		}
	}
	return first, nil
}

func splitMetadata(metadata string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(metadata); i++ {
		if i == len(metadata) || metadata[i] == '\n' {
			if i > start {
				parts = append(parts, metadata[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
