package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"PredictCore/internal/amm"
	"PredictCore/internal/intake"
	fpmath "PredictCore/internal/math"
)

// ErrMalformed marks messages that can never be processed. They are
// terminated rather than redelivered.
var ErrMalformed = errors.New("malformed intake message")

// CommandKind is the intake operation a message carries.
type CommandKind string

const (
	KindCommit CommandKind = "commit"
	KindReveal CommandKind = "reveal"
	KindCancel CommandKind = "cancel"
)

// Command is a parsed intake message.
type Command interface {
	Kind() CommandKind
	Market() string
}

type CommitCommand struct {
	Request intake.CommitRequest
}

func (c *CommitCommand) Kind() CommandKind { return KindCommit }
func (c *CommitCommand) Market() string    { return c.Request.MarketID }

type RevealCommand struct {
	ID      uuid.UUID
	Payload intake.IntentPayload
	Salt    intake.Salt
}

func (c *RevealCommand) Kind() CommandKind { return KindReveal }
func (c *RevealCommand) Market() string    { return c.Payload.MarketID }

type CancelCommand struct {
	ID       uuid.UUID
	Owner    string
	MarketID string
}

func (c *CancelCommand) Kind() CommandKind { return KindCancel }
func (c *CancelCommand) Market() string    { return c.MarketID }

// SubjectKind extracts the command kind and market from a subject of the
// form predict.intake.{kind}.{market}.
func SubjectKind(subject string) (CommandKind, string, error) {
	parts := strings.SplitN(subject, ".", 4)
	if len(parts) != 4 || parts[0] != "predict" || parts[1] != "intake" || parts[3] == "" {
		return "", "", fmt.Errorf("%w: unexpected subject %q", ErrMalformed, subject)
	}
	switch k := CommandKind(parts[2]); k {
	case KindCommit, KindReveal, KindCancel:
		return k, parts[3], nil
	default:
		return "", "", fmt.Errorf("%w: unknown command %q", ErrMalformed, parts[2])
	}
}

// ParseRawMessage decodes a raw intake message. The market in the subject
// must agree with the market in the body.
func ParseRawMessage(raw RawMessage) (Command, error) {
	kind, market, err := SubjectKind(raw.Subject)
	if err != nil {
		return nil, err
	}
	var cmd Command
	switch kind {
	case KindCommit:
		cmd, err = ParseCommit(raw.Data)
	case KindReveal:
		cmd, err = ParseReveal(raw.Data)
	case KindCancel:
		cmd, err = ParseCancel(raw.Data)
	}
	if err != nil {
		return nil, err
	}
	if cmd.Market() != market {
		return nil, fmt.Errorf("%w: subject market %q, body market %q", ErrMalformed, market, cmd.Market())
	}
	return cmd, nil
}

// --- JSON wire formats ---
// Amounts are decimal strings; hashes and salts are 0x-prefixed hex.

type commitJSON struct {
	MarketID       string `json:"market_id"`
	CommitmentHash string `json:"commitment_hash"`
	FeeBid         string `json:"fee_bid"`
	Owner          string `json:"owner"`
}

func ParseCommit(data []byte) (*CommitCommand, error) {
	var j commitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse commit: %v", ErrMalformed, err)
	}
	hash, err := parseHash(j.CommitmentHash)
	if err != nil {
		return nil, err
	}
	fee, err := parseAmount("fee_bid", j.FeeBid)
	if err != nil {
		return nil, err
	}
	return &CommitCommand{Request: intake.CommitRequest{
		MarketID: j.MarketID,
		Hash:     hash,
		FeeBid:   fee,
		Owner:    j.Owner,
	}}, nil
}

type payloadJSON struct {
	MarketID       string `json:"market_id"`
	Account        string `json:"account"`
	Outcome        uint32 `json:"outcome"`
	Kind           string `json:"kind"`
	Quantity       string `json:"quantity"`
	Budget         string `json:"budget"`
	Target         string `json:"target"`
	MaxSlippageBps uint32 `json:"max_slippage_bps"`
	Nonce          uint64 `json:"nonce"`
}

type revealJSON struct {
	CommitmentID string      `json:"commitment_id"`
	Salt         string      `json:"salt"`
	Payload      payloadJSON `json:"payload"`
}

func ParseReveal(data []byte) (*RevealCommand, error) {
	var j revealJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse reveal: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(j.CommitmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: parse commitment_id: %v", ErrMalformed, err)
	}
	return j.toCommand(id)
}

// ParseRevealFor parses a reveal body addressed to id, e.g. from a URL
// path. A commitment_id in the body must agree with id.
func ParseRevealFor(id uuid.UUID, data []byte) (*RevealCommand, error) {
	var j revealJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse reveal: %v", ErrMalformed, err)
	}
	if j.CommitmentID != "" && j.CommitmentID != id.String() {
		return nil, fmt.Errorf("%w: body commitment_id %q does not match %s", ErrMalformed, j.CommitmentID, id)
	}
	return j.toCommand(id)
}

func (j revealJSON) toCommand(id uuid.UUID) (*RevealCommand, error) {
	salt, err := parseSalt(j.Salt)
	if err != nil {
		return nil, err
	}
	payload, err := j.Payload.toPayload()
	if err != nil {
		return nil, err
	}
	return &RevealCommand{ID: id, Payload: payload, Salt: salt}, nil
}

func (j payloadJSON) toPayload() (intake.IntentPayload, error) {
	kind, err := amm.ParseTradeKind(j.Kind)
	if err != nil {
		return intake.IntentPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p := intake.IntentPayload{
		MarketID:       j.MarketID,
		Account:        j.Account,
		Outcome:        j.Outcome,
		Kind:           kind,
		MaxSlippageBps: j.MaxSlippageBps,
		Nonce:          j.Nonce,
	}
	if p.Quantity, err = parseAmount("quantity", j.Quantity); err != nil {
		return intake.IntentPayload{}, err
	}
	if p.Budget, err = parseAmount("budget", j.Budget); err != nil {
		return intake.IntentPayload{}, err
	}
	if p.Target, err = parseAmount("target", j.Target); err != nil {
		return intake.IntentPayload{}, err
	}
	return p, nil
}

type cancelJSON struct {
	CommitmentID string `json:"commitment_id"`
	Owner        string `json:"owner"`
	MarketID     string `json:"market_id"`
}

func ParseCancel(data []byte) (*CancelCommand, error) {
	var j cancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse cancel: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(j.CommitmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: parse commitment_id: %v", ErrMalformed, err)
	}
	return &CancelCommand{ID: id, Owner: j.Owner, MarketID: j.MarketID}, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: commitment_hash must be 32 bytes of 0x hex", ErrMalformed)
	}
	return common.BytesToHash(b), nil
}

func parseSalt(s string) (intake.Salt, error) {
	var salt intake.Salt
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != len(salt) {
		return salt, fmt.Errorf("%w: salt must be 32 bytes of 0x hex", ErrMalformed)
	}
	copy(salt[:], b)
	return salt, nil
}

// parseAmount treats an empty string as zero.
func parseAmount(field, s string) (fpmath.Fixed, error) {
	if s == "" {
		return 0, nil
	}
	v, err := fpmath.ParseFixed(s)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrMalformed, field, err)
	}
	return v, nil
}
