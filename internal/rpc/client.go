// Package rpc is a JSON-RPC 2.0 client for the ledger node. It serves
// the indexer's event source, the tree replica's ledger source and the
// submitter's transport.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// ErrUnexpectedResponse is returned for a result that does not decode
var ErrUnexpectedResponse = common.NewKind(common.KindResource, "unexpected rpc response")

// Config holds ledger RPC configuration
type Config struct {
	// Endpoint is the node's HTTP JSON-RPC URL
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds one HTTP round trip
	Timeout time.Duration `yaml:"timeout"`

	// ProgramID is the shielded pool program whose transactions are indexed
	ProgramID string `yaml:"programId"`

	// TreeAccount is the address of the state tree account
	TreeAccount string `yaml:"treeAccount"`
}

// DefaultConfig returns default RPC configuration
func DefaultConfig() Config {
	return Config{
		Endpoint: "http://127.0.0.1:8899",
		Timeout:  30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("rpc: endpoint is required")
	}
	if c.Timeout <= 0 {
		return errors.Errorf("rpc: timeout must be positive, got %s", c.Timeout)
	}
	if _, err := types.ParsePublicKey(c.ProgramID); err != nil {
		return errors.Wrap(err, "rpc: programId")
	}
	if _, err := types.ParsePublicKey(c.TreeAccount); err != nil {
		return errors.Wrap(err, "rpc: treeAccount")
	}
	return nil
}

// Request is a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client talks to one ledger node.
type Client struct {
	cfg        Config
	httpClient *http.Client
	nextID     atomic.Uint64
	logger     *zap.Logger
}

// NewClient creates a client for cfg.Endpoint.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Call invokes method and decodes the result into out. A JSON-RPC error
// is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "%s: marshal request", method)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "%s: build request", method)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "%s", method)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Wrapf(err, "%s: read response", method)
	}
	if httpResp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: http status %d", method, httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errors.Wrapf(ErrUnexpectedResponse, "%s: %v", method, err)
	}
	c.logger.Debug("rpc call",
		zap.String("method", method),
		zap.Uint64("id", req.ID),
		zap.Duration("elapsed", time.Since(start)))
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errors.Wrapf(ErrUnexpectedResponse, "%s: %v", method, err)
	}
	return nil
}

type signatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"blockTime"`
}

type transactionEvent struct {
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"blockTime"`

	// Data is the base64 event, empty for transactions without one
	Data string `json:"data"`
}

type pageOptions struct {
	Before string `json:"before,omitempty"`
	Until  string `json:"until,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// FetchTransactions implements indexer.EventSource.
func (c *Client) FetchTransactions(ctx context.Context, q indexer.Query) ([]indexer.RawTransaction, error) {
	opts := pageOptions{Limit: q.Limit}
	if !q.Before.IsEmpty() {
		opts.Before = q.Before.String()
	}
	if !q.Until.IsEmpty() {
		opts.Until = q.Until.String()
	}
	var sigs []signatureInfo
	if err := c.Call(ctx, "getSignaturesForAddress", []interface{}{c.cfg.ProgramID, opts}, &sigs); err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	names := make([]string, len(sigs))
	for i, s := range sigs {
		names[i] = s.Signature
	}
	var evs []*transactionEvent
	if err := c.Call(ctx, "getTransactionEvents", []interface{}{names}, &evs); err != nil {
		return nil, err
	}
	if len(evs) != len(sigs) {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "getTransactionEvents: %d results for %d signatures", len(evs), len(sigs))
	}

	out := make([]indexer.RawTransaction, 0, len(evs))
	for i, ev := range evs {
		sig, err := types.ParseSignature(sigs[i].Signature)
		if err != nil {
			return nil, errors.Wrap(ErrUnexpectedResponse, err.Error())
		}
		if ev == nil || ev.Data == "" {
			// keep the page cursor moving over event-less transactions
			out = append(out, indexer.RawTransaction{Signature: sig, Slot: sigs[i].Slot, BlockTime: sigs[i].BlockTime})
			continue
		}
		data, err := base64.StdEncoding.DecodeString(ev.Data)
		if err != nil {
			return nil, errors.Wrapf(ErrUnexpectedResponse, "event data for %s: %v", sig, err)
		}
		raw := indexer.RawTransaction{Signature: sig, Slot: ev.Slot, BlockTime: ev.BlockTime, Data: data}
		if ev.Signer != "" {
			if raw.Signer, err = types.ParsePublicKey(ev.Signer); err != nil {
				return nil, errors.Wrap(ErrUnexpectedResponse, err.Error())
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

type accountInfo struct {
	Data string `json:"data"`
}

// TreeAccount implements merkle.LedgerSource.
func (c *Client) TreeAccount(ctx context.Context) (*merkle.TreeAccount, error) {
	var info accountInfo
	if err := c.Call(ctx, "getTreeAccount", []interface{}{c.cfg.TreeAccount}, &info); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "tree account data: %v", err)
	}
	return merkle.DecodeTreeAccount(data)
}

// TreeLeaves implements merkle.LedgerSource.
func (c *Client) TreeLeaves(ctx context.Context) ([]types.Hash, error) {
	var hexLeaves []string
	if err := c.Call(ctx, "getTreeLeaves", []interface{}{c.cfg.TreeAccount}, &hexLeaves); err != nil {
		return nil, err
	}
	leaves := make([]types.Hash, len(hexLeaves))
	for i, s := range hexLeaves {
		h, err := types.ParseHash(s)
		if err != nil {
			return nil, errors.Wrapf(ErrUnexpectedResponse, "leaf %d: %v", i, err)
		}
		leaves[i] = h
	}
	return leaves, nil
}

type blockhashResult struct {
	Blockhash string `json:"blockhash"`
}

// LatestBlockhash implements submitter.Transport.
func (c *Client) LatestBlockhash(ctx context.Context) (types.Hash, error) {
	var res blockhashResult
	if err := c.Call(ctx, "getLatestBlockhash", []interface{}{}, &res); err != nil {
		return types.Hash{}, err
	}
	b, err := common.Base58Decode(res.Blockhash, types.HashSize)
	if err != nil {
		return types.Hash{}, errors.Wrap(ErrUnexpectedResponse, err.Error())
	}
	return types.HashFromBytes(b), nil
}

type sendErrorData struct {
	Logs []string `json:"logs"`
}

// SendTransaction implements submitter.Transport. A rejection whose
// error data carries program logs becomes a *submitter.SendError.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (types.Signature, error) {
	var sig string
	params := []interface{}{
		base64.StdEncoding.EncodeToString(raw),
		map[string]string{"encoding": "base64"},
	}
	err := c.Call(ctx, "sendTransaction", params, &sig)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && len(rpcErr.Data) > 0 {
			var data sendErrorData
			if json.Unmarshal(rpcErr.Data, &data) == nil && len(data.Logs) > 0 {
				return types.Signature{}, &submitter.SendError{Logs: data.Logs, Err: rpcErr}
			}
		}
		return types.Signature{}, err
	}
	s, err := types.ParseSignature(sig)
	if err != nil {
		return types.Signature{}, errors.Wrap(ErrUnexpectedResponse, err.Error())
	}
	return s, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// SignatureStatus implements submitter.Transport.
func (c *Client) SignatureStatus(ctx context.Context, sig types.Signature) (submitter.Status, error) {
	var st *signatureStatus
	if err := c.Call(ctx, "getSignatureStatus", []interface{}{sig.String()}, &st); err != nil {
		return submitter.StatusUnknown, err
	}
	if st == nil {
		return submitter.StatusUnknown, nil
	}
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return submitter.StatusFailed, nil
	}
	return submitter.ParseStatus(st.ConfirmationStatus)
}

var (
	_ indexer.EventSource = (*Client)(nil)
	_ merkle.LedgerSource = (*Client)(nil)
	_ submitter.Transport = (*Client)(nil)
)
