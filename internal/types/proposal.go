package types

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

var ErrNegativePOLRound = errors.New("negative POL round")

// BlockId addresses a block by the hash of its contents.
type BlockId struct {
	Hash []byte
}

// Proposal is the consensus message a validator broadcasts to propose the
// next block. It is the payload carried over the Consensus stream.
type Proposal struct {
	Height    uint64
	Round     int32
	POLRound  int32 // -1 when the proposer locked on no earlier round
	BlockId   BlockId
	Timestamp time.Time
	Signature []byte
}

// Encode serializes the proposal with gob, the shared byte layout used for
// all payloads in this node.
func (p *Proposal) Encode() ([]byte, error) {
	const op = "types.Proposal.Encode"
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(p); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return buf.Bytes(), nil
}

// DecodeProposal is the inverse of Encode. POL rounds below -1 are rejected,
// matching the consensus wire rules.
func DecodeProposal(data []byte) (*Proposal, error) {
	const op = "types.DecodeProposal"
	var p Proposal
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.POLRound < -1 {
		return nil, fmt.Errorf("%s: %w", op, ErrNegativePOLRound)
	}
	return &p, nil
}
