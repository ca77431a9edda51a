// Package quorum implements the M-of-N confirmation scheme that guards
// cross-chain settlement. Each oracle operator independently watches
// chain A and signs a payload hash binding the request id, the matched
// chain-A transaction and the principal amount. Settlement is only
// released once M distinct operators signed the same hash; a single
// compromised or buggy operator cannot authorize a mint or stake alone.
package quorum

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/metrics"
	"github.com/fiapo/payment-oracle/types"
)

// PayloadHash binds (request id, chain-A tx hash, principal amount)
// into the 32-byte digest every operator signs. Fields are
// length-prefixed so no two field combinations collide.
func PayloadHash(id, chainATxHash string, principal decimal.Decimal) common.Hash {
	var buf []byte
	for _, field := range []string{id, chainATxHash, principal.String()} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(field)))
		buf = append(buf, l[:]...)
		buf = append(buf, field...)
	}
	return crypto.Keccak256Hash(buf)
}

// Decision is the coordinator's verdict over a request's confirmation set.
type Decision struct {
	// Quorum is true once at least Threshold valid signatures agree on
	// the expected payload hash.
	Quorum bool
	// Valid counts signatures that verified against a registered
	// operator and match the expected hash.
	Valid int
	// Diverged is true when valid signatures disagree on the payload
	// hash. Divergence indicates a reorg or an attack; it blocks quorum
	// and must be escalated, never silently dropped.
	Diverged bool
	// ExpectedHash is the hash this process derived from the request.
	ExpectedHash string
}

// Coordinator evaluates confirmation sets against the registered
// operator public keys. It holds no mutable per-request state; the
// confirmation set lives on the request record in the shared store.
type Coordinator struct {
	threshold int
	operators map[string]common.Address
	log       logger.Logger
	rec       metrics.Recorder
}

func NewCoordinator(threshold int, log logger.Logger, rec metrics.Recorder) *Coordinator {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Coordinator{
		threshold: threshold,
		operators: make(map[string]common.Address),
		log:       log,
		rec:       rec,
	}
}

// RegisterOperator admits an operator's signing address. N is the
// number of registered operators.
func (c *Coordinator) RegisterOperator(id string, addr common.Address) {
	c.operators[id] = addr
}

func (c *Coordinator) Threshold() int     { return c.threshold }
func (c *Coordinator) OperatorCount() int { return len(c.operators) }

// Evaluate checks the request's confirmation set. The expected payload
// hash is re-derived locally from the request record; a confirmation
// signed over anything else counts as divergence.
func (c *Coordinator) Evaluate(req *types.PaymentRequest) Decision {
	expected := PayloadHash(req.ID, req.ChainATxHash, req.PrincipalAmount)
	d := Decision{ExpectedHash: expected.Hex()}

	for _, conf := range req.Confirmations {
		addr, ok := c.operators[conf.OperatorID]
		if !ok {
			c.log.Warn("confirmation from unknown operator", map[string]any{
				"requestId": req.ID,
				"operator":  conf.OperatorID,
			})
			continue
		}

		hash, err := hexToHash(conf.PayloadHash)
		if err != nil {
			c.log.Warn("confirmation carries malformed payload hash", map[string]any{
				"requestId": req.ID,
				"operator":  conf.OperatorID,
			})
			continue
		}

		if !verify(hash, conf.Signature, addr) {
			c.rec.IncCounter("confirmation_signature_invalid", map[string]string{"component": "quorum"})
			c.log.Warn("confirmation signature does not verify", map[string]any{
				"requestId": req.ID,
				"operator":  conf.OperatorID,
			})
			continue
		}

		if hash != expected {
			d.Diverged = true
			continue
		}
		d.Valid++
	}

	if d.Diverged {
		// reorg or attack: block quorum and alert the operators
		c.rec.IncCounter("quorum_divergence", map[string]string{"component": "quorum"})
		c.log.Error("confirmation payload hashes diverge", map[string]any{
			"requestId":    req.ID,
			"expectedHash": d.ExpectedHash,
		})
		return d
	}

	d.Quorum = d.Valid >= c.threshold
	return d
}

func verify(hash common.Hash, sig []byte, addr common.Address) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == addr
}

func hexToHash(s string) (common.Hash, error) {
	raw, err := hex.DecodeString(trim0x(s))
	if err != nil || len(raw) != common.HashLength {
		if err == nil {
			err = hex.InvalidByteError('0')
		}
		return common.Hash{}, err
	}
	return common.BytesToHash(raw), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
