package rfm

import "fmt"

// Segment labels of the default ladder.
const (
	Champions          = "Champions"
	LoyalCustomers     = "Loyal Customers"
	PotentialLoyalists = "Potential Loyalists"
	RecentCustomers    = "Recent Customers"
	Promising          = "Promising"
	NeedAttention      = "Need Attention"
	AtRisk             = "At Risk"
	Lost               = "Lost"
)

// Tier assigns Segment to every score >= MinScore not claimed by a higher tier.
type Tier struct {
	MinScore int    `yaml:"min_score" json:"min_score"`
	Segment  string `yaml:"segment" json:"segment"`
}

// Ladder maps composite scores to segments. Tiers are checked from the
// highest MinScore down and the first match wins; Fallback covers scores
// below every tier.
type Ladder struct {
	Tiers    []Tier
	Fallback string
}

// DefaultLadder returns the eight-segment ladder. With quartile scoring the
// minimum score is 3, so Lost is never assigned.
func DefaultLadder() Ladder {
	return Ladder{
		Tiers: []Tier{
			{MinScore: 9, Segment: Champions},
			{MinScore: 8, Segment: LoyalCustomers},
			{MinScore: 7, Segment: PotentialLoyalists},
			{MinScore: 6, Segment: RecentCustomers},
			{MinScore: 5, Segment: Promising},
			{MinScore: 4, Segment: NeedAttention},
			{MinScore: 3, Segment: AtRisk},
		},
		Fallback: Lost,
	}
}

// Segment returns the label for score.
func (l Ladder) Segment(score int) string {
	for _, t := range l.Tiers {
		if score >= t.MinScore {
			return t.Segment
		}
	}
	return l.Fallback
}

// Segments lists every label in ladder order, fallback last.
func (l Ladder) Segments() []string {
	out := make([]string, 0, len(l.Tiers)+1)
	for _, t := range l.Tiers {
		out = append(out, t.Segment)
	}
	return append(out, l.Fallback)
}

// Rank returns the position of segment in ladder order, or -1.
func (l Ladder) Rank(segment string) int {
	for i, s := range l.Segments() {
		if s == segment {
			return i
		}
	}
	return -1
}

// Validate requires strictly descending thresholds and unique, non-empty labels.
func (l Ladder) Validate() error {
	if len(l.Tiers) == 0 {
		return fmt.Errorf("%w: segment ladder is empty", ErrInvalidConfig)
	}
	if l.Fallback == "" {
		return fmt.Errorf("%w: fallback segment is empty", ErrInvalidConfig)
	}
	seen := map[string]bool{l.Fallback: true}
	for i, t := range l.Tiers {
		if t.Segment == "" {
			return fmt.Errorf("%w: tier %d has no segment", ErrInvalidConfig, i)
		}
		if seen[t.Segment] {
			return fmt.Errorf("%w: segment %q appears twice", ErrInvalidConfig, t.Segment)
		}
		seen[t.Segment] = true
		if i > 0 && t.MinScore >= l.Tiers[i-1].MinScore {
			return fmt.Errorf("%w: thresholds must descend, %d follows %d",
				ErrInvalidConfig, t.MinScore, l.Tiers[i-1].MinScore)
		}
	}
	return nil
}
