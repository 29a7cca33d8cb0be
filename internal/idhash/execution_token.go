package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// TokenPrefix marks execution tokens so they are recognizable in logs and tables.
const TokenPrefix = "stk_"

// DefaultBucketWidth is the time bucket used when none is configured.
const DefaultBucketWidth = 5 * time.Second

// TimeBucket returns floor(occurredAt / width) as an integer bucket index.
func TimeBucket(occurredAt time.Time, width time.Duration) int64 {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	ns := occurredAt.UnixNano()
	w := width.Nanoseconds()
	b := ns / w
	if ns < 0 && ns%w != 0 {
		b--
	}
	return b
}

// ComputeExecutionToken computes the idempotency token for one crossing.
// Formula: SHA256(position_id|threshold_price|time_bucket)
// The threshold is rendered in canonical decimal form so 100 and 100.00 agree.
func ComputeExecutionToken(
	positionID string,
	thresholdPrice decimal.Decimal,
	occurredAt time.Time,
	bucketWidth time.Duration,
) string {
	data := fmt.Sprintf("%s|%s|%d",
		positionID,
		thresholdPrice.String(),
		TimeBucket(occurredAt, bucketWidth),
	)

	hash := sha256.Sum256([]byte(data))
	return TokenPrefix + hex.EncodeToString(hash[:])
}

// ClientOrderID derives a short exchange client order id from a token.
// Exchanges cap client ids (Binance: 36 chars), so the first 16 bytes of the
// hash are base58 encoded.
func ClientOrderID(token string) string {
	raw, err := hex.DecodeString(strings.TrimPrefix(token, TokenPrefix))
	if err != nil || len(raw) < 16 {
		sum := sha256.Sum256([]byte(token))
		raw = sum[:]
	}
	return "sg" + base58.Encode(raw[:16])
}
