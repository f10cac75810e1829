// Package evidence builds tamper-evident execution records from sandbox
// results and runs the deterministic post-execution review over them.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jlugo63/gavel/internal/canonical"
	"github.com/jlugo63/gavel/internal/sandbox"
)

// Environment records the sandbox limits under which evidence was produced.
type Environment struct {
	Image          string  `json:"image"`
	NetworkMode    string  `json:"network_mode"`
	MemoryLimit    string  `json:"memory_limit"`
	CPULimit       float64 `json:"cpu_limit"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Packet is the sealed record of one sandbox execution. The hash covers
// every field except itself, over canonical JSON, so any mutation of the
// packet is detectable.
type Packet struct {
	ProposalID   string         `json:"proposal_id"`
	ChainID      string         `json:"chain_id"`
	ActorID      string         `json:"actor_id"`
	ActionType   string         `json:"action_type"`
	Command      string         `json:"command"`
	BlastBox     sandbox.Result `json:"blast_box"`
	Environment  Environment    `json:"environment"`
	CreatedAt    string         `json:"created_at"`
	EvidenceHash string         `json:"evidence_hash"`
}

// prePacket is the hash input: Packet minus the hash field.
type prePacket struct {
	ProposalID  string         `json:"proposal_id"`
	ChainID     string         `json:"chain_id"`
	ActorID     string         `json:"actor_id"`
	ActionType  string         `json:"action_type"`
	Command     string         `json:"command"`
	BlastBox    sandbox.Result `json:"blast_box"`
	Environment Environment    `json:"environment"`
	CreatedAt   string         `json:"created_at"`
}

// NewPacket seals a sandbox result into an evidence packet.
func NewPacket(proposalID, chainID, actorID, actionType, command string, result sandbox.Result, cfg sandbox.Config) (*Packet, error) {
	env := Environment{
		Image:          cfg.Image,
		NetworkMode:    cfg.NetworkMode,
		MemoryLimit:    cfg.MemoryLimit,
		CPULimit:       cfg.CPULimit,
		TimeoutSeconds: cfg.TimeoutSeconds,
	}
	createdAt := canonical.Timestamp(time.Now())

	pre := prePacket{
		ProposalID:  proposalID,
		ChainID:     chainID,
		ActorID:     actorID,
		ActionType:  actionType,
		Command:     command,
		BlastBox:    result,
		Environment: env,
		CreatedAt:   createdAt,
	}
	canon, err := canonical.Marshal(pre)
	if err != nil {
		return nil, fmt.Errorf("evidence: canonicalise packet: %w", err)
	}
	sum := sha256.Sum256(canon)

	return &Packet{
		ProposalID:   proposalID,
		ChainID:      chainID,
		ActorID:      actorID,
		ActionType:   actionType,
		Command:      command,
		BlastBox:     result,
		Environment:  env,
		CreatedAt:    createdAt,
		EvidenceHash: hex.EncodeToString(sum[:]),
	}, nil
}

// Verify recomputes the hash over the packet's fields and compares.
func (p *Packet) Verify() (bool, error) {
	pre := prePacket{
		ProposalID:  p.ProposalID,
		ChainID:     p.ChainID,
		ActorID:     p.ActorID,
		ActionType:  p.ActionType,
		Command:     p.Command,
		BlastBox:    p.BlastBox,
		Environment: p.Environment,
		CreatedAt:   p.CreatedAt,
	}
	canon, err := canonical.Marshal(pre)
	if err != nil {
		return false, fmt.Errorf("evidence: canonicalise packet: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]) == p.EvidenceHash, nil
}
