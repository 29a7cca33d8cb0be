package domain

import "time"

// ClaimOutcome is the result of attempting to claim an execution token.
type ClaimOutcome string

const (
	// Claimed means this caller owns the execution for the token.
	Claimed ClaimOutcome = "claimed"
	// AlreadyClaimed means another caller owns it. Not an error.
	AlreadyClaimed ClaimOutcome = "already_claimed"
)

// IdempotencyClaim is the durable proof that one caller owns an execution token.
type IdempotencyClaim struct {
	Token      string
	PositionID string
	ClaimedAt  time.Time
	ClaimedBy  string
}
