package settlement

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/fiapo/payment-oracle/types"
)

// SubstrateClient talks to the destination chain's settle entry point
// over JSON-RPC. The node exposes a custom RPC that registers the
// payment and invokes the action; the contract itself enforces the
// per-id dedup.
type SubstrateClient struct {
	rpc    *rpc.Client
	method string
}

var _ Client = (*SubstrateClient)(nil)

// DialSubstrate connects to the chain-B node. method is the settle RPC
// name, e.g. "fiapo_settlePayment".
func DialSubstrate(ctx context.Context, url, method string) (*SubstrateClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, &types.OracleError{
			Code:    types.ErrNetworkError,
			Message: "dialing chain B node: " + err.Error(),
		}
	}
	return &SubstrateClient{rpc: client, method: method}, nil
}

func (c *SubstrateClient) Close() {
	c.rpc.Close()
}

type settleParams struct {
	PaymentID string                  `json:"paymentId"`
	Action    types.DestinationAction `json:"action"`
	Proof     []proofEntry            `json:"proof"`
}

type proofEntry struct {
	OperatorID  string        `json:"operatorId"`
	PayloadHash string        `json:"payloadHash"`
	Signature   hexutil.Bytes `json:"signature"`
}

type settleReply struct {
	TxHash string `json:"txHash"`
}

func (c *SubstrateClient) Settle(ctx context.Context, id string, action types.DestinationAction, proof []types.Confirmation) (string, error) {
	params := settleParams{
		PaymentID: id,
		Action:    action,
		Proof:     make([]proofEntry, 0, len(proof)),
	}
	for _, conf := range proof {
		params.Proof = append(params.Proof, proofEntry{
			OperatorID:  conf.OperatorID,
			PayloadHash: conf.PayloadHash,
			Signature:   conf.Signature,
		})
	}

	var reply settleReply
	if err := c.rpc.CallContext(ctx, &reply, c.method, params); err != nil {
		return decodeDispatchError(err)
	}
	return reply.TxHash, nil
}

// decodeDispatchError turns a contract-level dispatch error into a
// human-readable ChainError, recovering the original transaction hash
// when the node includes it (the AlreadyProcessed reply does). Anything
// that does not carry structured error data is treated as a transient
// transport failure and returned as-is for the submitter to retry.
func decodeDispatchError(err error) (string, error) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", err
	}

	data, ok := dataErr.ErrorData().(map[string]interface{})
	if !ok {
		return "", err
	}

	chainErr := &types.ChainError{
		Section: asString(data["section"]),
		Name:    asString(data["name"]),
	}
	if chainErr.Name == "" {
		return "", err
	}

	switch docs := data["docs"].(type) {
	case string:
		chainErr.Message = docs
	case []interface{}:
		parts := make([]string, 0, len(docs))
		for _, d := range docs {
			if s := asString(d); s != "" {
				parts = append(parts, s)
			}
		}
		chainErr.Message = strings.Join(parts, " ")
	}
	if chainErr.Message == "" {
		chainErr.Message = dataErr.Error()
	}
	return asString(data["txHash"]), chainErr
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
