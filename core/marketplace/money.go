package marketplace

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// USDC is an amount in micro-USDC (6 decimal places, the token's on-chain precision).
// Fee and split math never goes through floating point.
type USDC int64

// MicroPerUSDC is the number of micro-USDC in one USDC.
const MicroPerUSDC = 1_000_000

// BasisPoints is the denominator for fee rates (10000 bps = 100%).
const BasisPoints = 10_000

// DefaultPlatformFeeBps is the 8% platform fee.
const DefaultPlatformFeeBps = 800

// NewUSDC builds an amount from whole dollars.
func NewUSDC(whole int64) USDC { return USDC(whole * MicroPerUSDC) }

// ParseUSDC parses a decimal string such as "12.5" or "0.000001".
func ParseUSDC(s string) (USDC, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (frac == "" || len(frac) > 6) {
		return 0, fmt.Errorf("invalid amount %q: at most 6 decimal places", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if w > (1<<63-1)/MicroPerUSDC-1 {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	var f int64
	if hasFrac {
		for _, r := range frac {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("invalid amount %q", s)
			}
		}
		frac += strings.Repeat("0", 6-len(frac))
		f, _ = strconv.ParseInt(frac, 10, 64)
	}
	v := USDC(w*MicroPerUSDC + f)
	if neg {
		v = -v
	}
	return v, nil
}

// MustParseUSDC panics on malformed input. Intended for constants and tests.
func MustParseUSDC(s string) USDC {
	v, err := ParseUSDC(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the amount with six decimals.
func (u USDC) String() string {
	sign := ""
	v := int64(u)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/MicroPerUSDC, v%MicroPerUSDC)
}

// MarshalText implements encoding.TextMarshaler.
func (u USDC) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler (used by YAML definitions).
func (u *USDC) UnmarshalText(b []byte) error {
	v, err := ParseUSDC(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// MarshalJSON emits the amount as a decimal string.
func (u USDC) MarshalJSON() ([]byte, error) { return json.Marshal(u.String()) }

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (u *USDC) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	return u.UnmarshalText([]byte(s))
}

// mulDiv computes a*num/den rounding up when ceil is set, down otherwise.
func mulDiv(a USDC, num, den int64, ceil bool) USDC {
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(num))
	q, r := new(big.Int).QuoRem(p, big.NewInt(den), new(big.Int))
	if ceil && r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return USDC(q.Int64())
}

// SplitFee divides amount into the agent payout and the platform fee.
// The fee rounds up and the payout rounds down, and payout+fee == amount.
func SplitFee(amount USDC, rateBps int) (payout, fee USDC) {
	if amount <= 0 || rateBps <= 0 {
		return amount, 0
	}
	fee = mulDiv(amount, int64(rateBps), BasisPoints, true)
	if fee > amount {
		fee = amount
	}
	return amount - fee, fee
}

// RefundSplit is how a disputed budget is divided.
type RefundSplit struct {
	PosterRefund USDC `json:"poster_refund_usdc"`
	AgentGross   USDC `json:"agent_gross_usdc"`
	AgentPayout  USDC `json:"agent_payout_usdc"`
	Fee          USDC `json:"fee_usdc"`
}

// SplitRefund returns refundPct% of budget (rounded down) to the poster. The rest goes to
// the agent less the platform fee on that rest.
func SplitRefund(budget USDC, refundPct int, rateBps int) RefundSplit {
	if refundPct < 0 {
		refundPct = 0
	}
	if refundPct > 100 {
		refundPct = 100
	}
	refund := mulDiv(budget, int64(refundPct), 100, false)
	gross := budget - refund
	payout, fee := SplitFee(gross, rateBps)
	return RefundSplit{PosterRefund: refund, AgentGross: gross, AgentPayout: payout, Fee: fee}
}

// FromCents converts a cent amount (two decimals) to micro-USDC.
func FromCents(cents int64) USDC { return USDC(cents * (MicroPerUSDC / 100)) }
