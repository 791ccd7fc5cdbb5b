package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is an ordered capability class of models.
type Tier int

const (
	TierSimple Tier = iota
	TierMedium
	TierComplex
	TierReasoning
)

// NumTiers is the number of defined tiers.
const NumTiers = 4

var tierNames = [NumTiers]string{"SIMPLE", "MEDIUM", "COMPLEX", "REASONING"}

// AllTiers lists every tier in capability order.
var AllTiers = [NumTiers]Tier{TierSimple, TierMedium, TierComplex, TierReasoning}

func (t Tier) String() string {
	if t.Valid() {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool {
	return t >= TierSimple && t <= TierReasoning
}

// AtLeast returns true if t is the same or a more capable tier than other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// Max returns the more capable of two tiers.
func (t Tier) Max(other Tier) Tier {
	if other > t {
		return other
	}
	return t
}

// ParseTier accepts tier names case-insensitively.
func ParseTier(s string) (Tier, bool) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range tierNames {
		if name == upper {
			return Tier(i), true
		}
	}
	return 0, false
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(tierNames[t]), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, ok := ParseTier(string(b))
	if !ok {
		return fmt.Errorf("unknown tier %q", string(b))
	}
	*t = parsed
	return nil
}

func (t Tier) MarshalJSON() ([]byte, error) {
	text, err := t.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

func (t *Tier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("tier must be a string: %w", err)
	}
	return t.UnmarshalText([]byte(s))
}
