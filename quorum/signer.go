package quorum

import (
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/fiapo/payment-oracle/types"
)

// Signer is the operator-local half of the quorum scheme: it produces
// the signed confirmation this process contributes after its own
// watcher matched a payment.
type Signer struct {
	operatorID string
	key        *ecdsa.PrivateKey
	now        func() time.Time
}

func NewSigner(operatorID, hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, &types.OracleError{
			Code:    types.ErrConfigError,
			Message: "invalid operator signing key: " + err.Error(),
		}
	}
	return &Signer{operatorID: operatorID, key: key, now: time.Now}, nil
}

func (s *Signer) OperatorID() string { return s.operatorID }

// Address is the public identity peers register with the coordinator.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Confirm signs the payload hash for a matched payment.
func (s *Signer) Confirm(id, chainATxHash string, principal decimal.Decimal) (types.Confirmation, error) {
	hash := PayloadHash(id, chainATxHash, principal)
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return types.Confirmation{}, err
	}
	return types.Confirmation{
		OperatorID:  s.operatorID,
		PayloadHash: hash.Hex(),
		Signature:   sig,
		SignedAt:    s.now(),
	}, nil
}
