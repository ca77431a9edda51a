package chainwatch

import (
	"context"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

const lamportDecimals = 9

// SolanaReader lists confirmed transfers to the receiver address via
// Solana JSON-RPC. Both native transfers and SPL token transfers into
// the receiver's token account are decoded; everything else in a
// transaction is ignored.
type SolanaReader struct {
	client *rpc.Client
	// tokenDecimals converts SPL base units into whole stablecoin units.
	tokenDecimals int32
}

var _ Reader = (*SolanaReader)(nil)

func NewSolanaReader(rpcURL string, tokenDecimals int32) *SolanaReader {
	return &SolanaReader{
		client:        rpc.New(rpcURL),
		tokenDecimals: tokenDecimals,
	}
}

func (r *SolanaReader) IncomingTransfers(ctx context.Context, receiver string, limit int) ([]Transfer, error) {
	recv, err := solana.PublicKeyFromBase58(receiver)
	if err != nil {
		return nil, fmt.Errorf("invalid receiver address: %w", err)
	}

	sigs, err := r.client.GetSignaturesForAddressWithOpts(ctx, recv, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("listing signatures for %s: %w", receiver, err)
	}

	tip, err := r.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("fetching tip slot: %w", err)
	}

	var out []Transfer
	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}

		res, err := r.client.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching transaction %s: %w", sig.Signature, err)
		}

		tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(res.Transaction.GetBinary()))
		if err != nil {
			continue
		}

		var depth uint64 = 1
		if tip >= sig.Slot {
			depth = tip - sig.Slot + 1
		}

		var blockTime time.Time
		if sig.BlockTime != nil {
			blockTime = sig.BlockTime.Time()
		}

		for _, inst := range tx.Message.Instructions {
			metas, err := accountMetas(tx, inst)
			if err != nil {
				continue
			}

			transfer, ok := r.decodeTransfer(tx.Message.AccountKeys[inst.ProgramIDIndex], metas, inst.Data, recv)
			if !ok {
				continue
			}

			transfer.Signature = sig.Signature.String()
			transfer.Depth = depth
			transfer.Slot = sig.Slot
			transfer.BlockTime = blockTime
			out = append(out, transfer)
		}
	}
	return out, nil
}

// decodeTransfer extracts an inbound transfer from a single instruction,
// recognizing system-program transfers and SPL token (checked) transfers.
func (r *SolanaReader) decodeTransfer(
	program solana.PublicKey,
	metas []*solana.AccountMeta,
	data []byte,
	recv solana.PublicKey,
) (Transfer, bool) {
	switch {
	case program.Equals(solana.SystemProgramID):
		sysInst, err := system.DecodeInstruction(metas, data)
		if err != nil {
			return Transfer{}, false
		}
		transfer, ok := sysInst.Impl.(*system.Transfer)
		if !ok || len(metas) < 2 || !metas[1].PublicKey.Equals(recv) {
			return Transfer{}, false
		}
		return Transfer{
			From:   metas[0].PublicKey.String(),
			To:     metas[1].PublicKey.String(),
			Amount: baseUnits(*transfer.Lamports, lamportDecimals),
		}, true

	case program.Equals(solana.TokenProgramID):
		tokInst, err := token.DecodeInstruction(metas, data)
		if err != nil {
			return Transfer{}, false
		}
		switch impl := tokInst.Impl.(type) {
		case *token.Transfer:
			// accounts: source, destination, owner
			if len(metas) < 3 || !metas[1].PublicKey.Equals(recv) {
				return Transfer{}, false
			}
			return Transfer{
				From:   metas[2].PublicKey.String(),
				To:     metas[1].PublicKey.String(),
				Amount: baseUnits(*impl.Amount, r.tokenDecimals),
			}, true
		case *token.TransferChecked:
			// accounts: source, mint, destination, owner
			if len(metas) < 4 || !metas[2].PublicKey.Equals(recv) {
				return Transfer{}, false
			}
			return Transfer{
				From:   metas[3].PublicKey.String(),
				To:     metas[2].PublicKey.String(),
				Amount: baseUnits(*impl.Amount, r.tokenDecimals),
			}, true
		}
	}
	return Transfer{}, false
}

func accountMetas(tx *solana.Transaction, inst solana.CompiledInstruction) ([]*solana.AccountMeta, error) {
	metas := make([]*solana.AccountMeta, len(inst.Accounts))
	for i, accIdx := range inst.Accounts {
		if int(accIdx) >= len(tx.Message.AccountKeys) {
			return nil, fmt.Errorf("account index %d out of range", accIdx)
		}
		pub := tx.Message.AccountKeys[accIdx]
		writable, err := tx.Message.IsWritable(pub)
		if err != nil {
			return nil, err
		}
		metas[i] = &solana.AccountMeta{
			PublicKey:  pub,
			IsSigner:   tx.Message.IsSigner(pub),
			IsWritable: writable,
		}
	}
	return metas, nil
}

func baseUnits(raw uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -decimals)
}
