// Package risk tracks patient reliability: no-show counts, warnings and
// booking blocks.
package risk

import (
	"strings"
	"time"
)

// BlockStatus is the patient's booking standing.
type BlockStatus string

const (
	StatusActive  BlockStatus = "active"
	StatusWarning BlockStatus = "warning"
	StatusBlocked BlockStatus = "blocked"
)

// BlockType is what a block applies to.
type BlockType string

const (
	BlockAccount BlockType = "account"
	BlockIP      BlockType = "ip"
	BlockBoth    BlockType = "both"
)

// ParseBlockType maps configuration text to a BlockType, defaulting to
// account.
func ParseBlockType(s string) BlockType {
	switch BlockType(strings.ToLower(strings.TrimSpace(s))) {
	case BlockIP:
		return BlockIP
	case BlockBoth:
		return BlockBoth
	default:
		return BlockAccount
	}
}

// NeedsIP reports whether the block type constrains an IP address.
func (t BlockType) NeedsIP() bool {
	return t == BlockIP || t == BlockBoth
}

// Record is the per-patient risk aggregate (table patient_managers).
type Record struct {
	PatientID          string
	NoShowCount        int
	LastNoShowAt       *time.Time
	WarningCount       int
	LastWarningSentAt  *time.Time
	LastWarningMessage string
	BlockStatus        BlockStatus
	BlockedAt          *time.Time
	BlockReason        string
	BlockType          BlockType
	BlockedIP          string
}

// IsBlocked reports whether the record is in blocked state.
func (r *Record) IsBlocked() bool {
	return r != nil && r.BlockStatus == StatusBlocked
}

// Blocks reports whether this record's own block stops a booking from ip.
// Account and both blocks apply everywhere; IP blocks only to their address.
func (r *Record) Blocks(ip string) bool {
	if !r.IsBlocked() {
		return false
	}
	switch r.BlockType {
	case BlockIP:
		return ip != "" && r.BlockedIP == ip
	default:
		return true
	}
}
