package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionKind discriminates the destination-chain action a payment buys.
type ActionKind string

const (
	ActionMintNFT        ActionKind = "mint_nft"
	ActionStake          ActionKind = "stake"
	ActionVote           ActionKind = "vote"
	ActionCreateProposal ActionKind = "create_proposal"
)

// DestinationAction describes what the chain-B contract should do once
// the payment is verified. Exactly the fields for the tagged Kind are
// set; the contract enforces its own business invariants.
type DestinationAction struct {
	Kind ActionKind `json:"kind"`

	// mint_nft
	NFTTier string `json:"nftTier,omitempty"`

	// stake
	StakePool   string           `json:"stakePool,omitempty"`
	StakeAmount *decimal.Decimal `json:"stakeAmount,omitempty"`

	// vote
	ProposalID string `json:"proposalId,omitempty"`
	VoteChoice string `json:"voteChoice,omitempty"`

	// create_proposal
	ProposalTitle       string `json:"proposalTitle,omitempty"`
	ProposalDescription string `json:"proposalDescription,omitempty"`
}

// Validate checks the variant carries the fields its kind requires.
func (a DestinationAction) Validate() error {
	switch a.Kind {
	case ActionMintNFT:
		if a.NFTTier == "" {
			return &OracleError{Code: ErrUnsupportedAction, Message: "mint_nft requires nftTier"}
		}
	case ActionStake:
		if a.StakePool == "" {
			return &OracleError{Code: ErrUnsupportedAction, Message: "stake requires stakePool"}
		}
		if a.StakeAmount == nil || a.StakeAmount.Sign() <= 0 {
			return &OracleError{Code: ErrUnsupportedAction, Message: "stake requires a positive stakeAmount"}
		}
	case ActionVote:
		if a.ProposalID == "" || a.VoteChoice == "" {
			return &OracleError{Code: ErrUnsupportedAction, Message: "vote requires proposalId and voteChoice"}
		}
	case ActionCreateProposal:
		if a.ProposalTitle == "" {
			return &OracleError{Code: ErrUnsupportedAction, Message: "create_proposal requires proposalTitle"}
		}
	default:
		return &OracleError{
			Code:    ErrUnsupportedAction,
			Message: fmt.Sprintf("unsupported action kind: %q", a.Kind),
		}
	}
	return nil
}
