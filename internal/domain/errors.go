package domain

import (
	"fmt"
	"strings"
)

type ErrorCode string

const (
	ErrEmptyInput          ErrorCode = "EMPTY_INPUT"
	ErrDegenerateThreshold ErrorCode = "DEGENERATE_THRESHOLD"
	ErrUnknownLabel        ErrorCode = "UNKNOWN_LABEL"
	ErrUnknownVoter        ErrorCode = "UNKNOWN_VOTER"
	ErrDuplicateVote       ErrorCode = "DUPLICATE_VOTE"
	ErrQuorumNotMet        ErrorCode = "QUORUM_NOT_MET"
)

// CodedError is implemented by every phase-fatal error so callers can branch on a
// stable code without matching message text.
type CodedError interface {
	error
	Code() ErrorCode
}

// EmptyInputError means a phase received no proposals or no items.
type EmptyInputError struct {
	Phase  Phase
	Detail string
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("%s: %s phase: %s", ErrEmptyInput, e.Phase, e.Detail)
}

func (e *EmptyInputError) Code() ErrorCode { return ErrEmptyInput }

// DegenerateThresholdError means no candidate could ever satisfy the threshold.
type DegenerateThresholdError struct {
	Name      string
	Threshold int
	Voters    int
}

func (e *DegenerateThresholdError) Error() string {
	return fmt.Sprintf("%s: %s=%d exceeds voter count %d", ErrDegenerateThreshold, e.Name, e.Threshold, e.Voters)
}

func (e *DegenerateThresholdError) Code() ErrorCode { return ErrDegenerateThreshold }

// UnknownLabelError means a vote referenced a label outside the phase's domain.
type UnknownLabelError struct {
	Phase  Phase
	ItemID ItemID
	Voter  VoterID
	Label  string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("%s: %s phase: item %s voter %s: label %q not in domain", ErrUnknownLabel, e.Phase, e.ItemID, e.Voter, e.Label)
}

func (e *UnknownLabelError) Code() ErrorCode { return ErrUnknownLabel }

// UnknownVoterError means a vote came from a voter outside the configured roster.
type UnknownVoterError struct {
	Phase  Phase
	ItemID ItemID
	Voter  VoterID
}

func (e *UnknownVoterError) Error() string {
	return fmt.Sprintf("%s: %s phase: item %s: voter %s not in roster", ErrUnknownVoter, e.Phase, e.ItemID, e.Voter)
}

func (e *UnknownVoterError) Code() ErrorCode { return ErrUnknownVoter }

// DuplicateVoteError lists every (item, voter) pair that appeared more than once.
type DuplicateVoteError struct {
	Phase Phase
	Pairs []VotePair
}

func (e *DuplicateVoteError) Error() string {
	parts := make([]string, 0, len(e.Pairs))
	for _, p := range e.Pairs {
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("%s: %s phase: duplicate votes for %s", ErrDuplicateVote, e.Phase, strings.Join(parts, ", "))
}

func (e *DuplicateVoteError) Code() ErrorCode { return ErrDuplicateVote }

// QuorumNotMetError means too few voters responded for the phase to be trusted.
type QuorumNotMetError struct {
	Phase    Phase
	Required int
	Present  int
	Missing  []VoterID
}

func (e *QuorumNotMetError) Error() string {
	missing := make([]string, 0, len(e.Missing))
	for _, v := range e.Missing {
		missing = append(missing, string(v))
	}
	return fmt.Sprintf("%s: %s phase: %d of %d required voters responded (missing: %s)",
		ErrQuorumNotMet, e.Phase, e.Present, e.Required, strings.Join(missing, ", "))
}

func (e *QuorumNotMetError) Code() ErrorCode { return ErrQuorumNotMet }
