package intake

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PredictCore/internal/amm"
	fpmath "PredictCore/internal/math"
)

const maxIDLength = 128

// Salt is the caller's 32-byte blinding value.
type Salt [32]byte

// IntentPayload is the pre-image a caller reveals. Its canonical encoding
// followed by the salt hashes (Keccak-256) to the commitment.
type IntentPayload struct {
	MarketID       string        `json:"market_id"`
	Account        string        `json:"account"`
	Outcome        uint32        `json:"outcome"`
	Kind           amm.TradeKind `json:"kind"`
	Quantity       fpmath.Fixed  `json:"quantity"`
	Budget         fpmath.Fixed  `json:"budget"`
	Target         fpmath.Fixed  `json:"target"`
	MaxSlippageBps uint32        `json:"max_slippage_bps"`
	Nonce          uint64        `json:"nonce"`
}

// Encode returns the canonical little-endian encoding:
//
//	u16 len | market_id | u16 len | account | u32 outcome | u8 kind |
//	i64 quantity | i64 budget | i64 target | u32 max_slippage_bps | u64 nonce
func (p IntentPayload) Encode() []byte {
	buf := make([]byte, 0, 2+len(p.MarketID)+2+len(p.Account)+4+1+8*3+4+8)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.MarketID)))
	buf = append(buf, p.MarketID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Account)))
	buf = append(buf, p.Account...)
	buf = binary.LittleEndian.AppendUint32(buf, p.Outcome)
	buf = append(buf, byte(p.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Quantity))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Budget))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Target))
	buf = binary.LittleEndian.AppendUint32(buf, p.MaxSlippageBps)
	buf = binary.LittleEndian.AppendUint64(buf, p.Nonce)
	return buf
}

// ComputeCommitment returns keccak256(encode(payload) || salt).
func ComputeCommitment(p IntentPayload, salt Salt) common.Hash {
	return crypto.Keccak256Hash(p.Encode(), salt[:])
}

// Validate checks the payload is well formed. Market-dependent checks such
// as the outcome range happen at pricing time.
func (p IntentPayload) Validate() error {
	if p.MarketID == "" || len(p.MarketID) > maxIDLength {
		return fmt.Errorf("%w: market_id length must be in [1, %d]", ErrInvalidIntent, maxIDLength)
	}
	if p.Account == "" || len(p.Account) > maxIDLength {
		return fmt.Errorf("%w: account length must be in [1, %d]", ErrInvalidIntent, maxIDLength)
	}
	if int64(p.MaxSlippageBps) > fpmath.BasisPoints {
		return fmt.Errorf("%w: max_slippage_bps %d above 10000", ErrInvalidIntent, p.MaxSlippageBps)
	}
	switch p.Kind {
	case amm.KindQuantity:
		if p.Quantity == 0 {
			return fmt.Errorf("%w: zero quantity", ErrInvalidIntent)
		}
	case amm.KindBudget:
		if p.Budget <= 0 {
			return fmt.Errorf("%w: budget must be positive", ErrInvalidIntent)
		}
	case amm.KindTargetProbability:
		if p.Target <= 0 || p.Target >= fpmath.One {
			return fmt.Errorf("%w: target must be in (0, 1)", ErrInvalidIntent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidIntent, p.Kind)
	}
	return nil
}

// Order converts the payload into a pricing order.
func (p IntentPayload) Order() amm.Order {
	return amm.Order{
		Outcome:        int(p.Outcome),
		Kind:           p.Kind,
		Quantity:       p.Quantity,
		Budget:         p.Budget,
		Target:         p.Target,
		MaxSlippageBps: int64(p.MaxSlippageBps),
	}
}
