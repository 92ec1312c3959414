package rfm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid rfm configuration")

// DefaultReferenceDate is the fixed date recency is measured against.
var DefaultReferenceDate = time.Date(2023, time.July, 1, 0, 0, 0, 0, time.UTC)

// DefaultQuantiles is the number of equal-population bins per dimension.
const DefaultQuantiles = 4

// LabelOrder says how quantile bins, taken in ascending order of value, are
// labelled.
type LabelOrder int

const (
	// Ascending labels the lowest-value bin 1 and the highest bin q.
	Ascending LabelOrder = iota
	// Descending labels the lowest-value bin q and the highest bin 1.
	Descending
)

func (o LabelOrder) String() string {
	switch o {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	default:
		return fmt.Sprintf("LabelOrder(%d)", int(o))
	}
}

// ParseLabelOrder accepts "asc"/"ascending" and "desc"/"descending".
func ParseLabelOrder(s string) (LabelOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	}
	return 0, fmt.Errorf("%w: unknown label order %q", ErrInvalidConfig, s)
}

// label maps a zero-based bin to its label in 1..q.
func (o LabelOrder) label(bin, q int) int {
	if o == Descending {
		return q - bin
	}
	return bin + 1
}

// TieBreak selects how Frequency values are ranked before quantile cutting.
type TieBreak int

const (
	// TieBreakDense gives equal counts equal ranks (1, 2, 3, ... without
	// gaps), so a bin boundary never separates customers with the same count.
	TieBreakDense TieBreak = iota
	// TieBreakFirst gives every customer a distinct rank; equal counts are
	// ordered by customer id.
	TieBreakFirst
)

func (t TieBreak) String() string {
	switch t {
	case TieBreakDense:
		return "dense"
	case TieBreakFirst:
		return "first"
	default:
		return fmt.Sprintf("TieBreak(%d)", int(t))
	}
}

// ParseTieBreak accepts "dense" and "first".
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dense":
		return TieBreakDense, nil
	case "first":
		return TieBreakFirst, nil
	}
	return 0, fmt.Errorf("%w: unknown tie break %q", ErrInvalidConfig, s)
}

// Config carries every constant the pipeline depends on.
type Config struct {
	// ReferenceDate is the date recency is measured from. Never wall-clock.
	ReferenceDate time.Time
	// Quantiles is the number of bins per dimension.
	Quantiles int

	RecencyLabels   LabelOrder
	FrequencyLabels LabelOrder
	MonetaryLabels  LabelOrder

	FrequencyTieBreak TieBreak
	Ladder            Ladder
}

// DefaultConfig returns the standard quartile configuration: recency bins
// labelled ascending, frequency and monetary bins labelled descending.
func DefaultConfig() Config {
	return Config{
		ReferenceDate:     DefaultReferenceDate,
		Quantiles:         DefaultQuantiles,
		RecencyLabels:     Ascending,
		FrequencyLabels:   Descending,
		MonetaryLabels:    Descending,
		FrequencyTieBreak: TieBreakDense,
		Ladder:            DefaultLadder(),
	}
}

// WithReferenceDate returns a copy of c using ref.
func (c Config) WithReferenceDate(ref time.Time) Config {
	c.ReferenceDate = ref
	return c
}

// MinScore is the smallest reachable composite score.
func (c Config) MinScore() int { return 3 }

// MaxScore is the largest reachable composite score.
func (c Config) MaxScore() int { return 3 * c.Quantiles }

// Validate reports the first problem with c.
func (c Config) Validate() error {
	if c.ReferenceDate.IsZero() {
		return fmt.Errorf("%w: reference date is not set", ErrInvalidConfig)
	}
	if c.Quantiles < 2 {
		return fmt.Errorf("%w: quantiles must be at least 2, got %d", ErrInvalidConfig, c.Quantiles)
	}
	for name, o := range map[string]LabelOrder{
		"recency":   c.RecencyLabels,
		"frequency": c.FrequencyLabels,
		"monetary":  c.MonetaryLabels,
	} {
		if o != Ascending && o != Descending {
			return fmt.Errorf("%w: %s label order %s", ErrInvalidConfig, name, o)
		}
	}
	if c.FrequencyTieBreak != TieBreakDense && c.FrequencyTieBreak != TieBreakFirst {
		return fmt.Errorf("%w: tie break %s", ErrInvalidConfig, c.FrequencyTieBreak)
	}
	return c.Ladder.Validate()
}
