// Package convert maps raw integer field values to the scaled values shown to
// users and back. The functions are pure and know nothing about memory.
package convert

import (
	"fmt"
	"math"
	"strings"
)

// Kind selects the conversion applied on top of a raw integer field.
type Kind uint8

const (
	None Kind = iota
	Rating
	Potential
	Tendency
	Year
	Height
	Badge
)

var kindNames = [...]string{
	None:      "none",
	Rating:    "rating",
	Potential: "potential",
	Tendency:  "tendency",
	Year:      "year",
	Height:    "height",
	Badge:     "badge",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind accepts the conversion names used in schema documents. An empty
// name is None.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "rating":
		return Rating, nil
	case "potential", "minmax_potential":
		return Potential, nil
	case "tendency":
		return Tendency, nil
	case "year":
		return Year, nil
	case "height", "height_inches":
		return Height, nil
	case "badge":
		return Badge, nil
	}
	return None, fmt.Errorf("unknown conversion %q", name)
}

const (
	RatingMin        = 25
	RatingMaxDisplay = 99
	RatingMaxTrue    = 110

	PotentialMin = 40
	PotentialMax = 99

	TendencyMax = 100

	YearBase = 1900

	HeightUnitScale = 254 // raw height is inches * 254
	HeightMinInches = 48
	HeightMaxInches = 120
)

// BadgeLevels are the labels of badge levels 0..4.
var BadgeLevels = []string{"None", "Bronze", "Silver", "Gold", "Hall of Fame"}

func maxRaw(widthBits int) uint64 {
	if widthBits <= 0 {
		return 0
	}
	if widthBits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(widthBits) - 1
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampRaw(v float64, widthBits int) uint64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	m := maxRaw(widthBits)
	if v >= float64(m) {
		return m
	}
	return uint64(math.Round(v))
}

// ToDisplay converts a raw field value of widthBits bits.
func ToDisplay(k Kind, raw uint64, widthBits int) int64 {
	switch k {
	case Rating:
		m := maxRaw(widthBits)
		if m == 0 {
			return RatingMin
		}
		r := RatingMin + float64(raw)/float64(m)*(RatingMaxTrue-RatingMin)
		return int64(math.Round(clampF(r, RatingMin, RatingMaxDisplay)))
	case Potential:
		return int64(clampF(float64(raw), PotentialMin, PotentialMax))
	case Tendency:
		return int64(clampF(float64(raw), 0, TendencyMax))
	case Year:
		if raw >= YearBase {
			return int64(raw)
		}
		return YearBase + int64(raw)
	case Height:
		return int64(math.Round(float64(raw) / HeightUnitScale))
	case Badge:
		return int64(clampF(float64(raw), 0, float64(len(BadgeLevels)-1)))
	}
	return int64(raw)
}

// FromDisplay converts a display value back to a raw value that fits in
// widthBits bits. Out of range input is clamped.
func FromDisplay(k Kind, v float64, widthBits int) uint64 {
	switch k {
	case Rating:
		frac := (clampF(v, RatingMin, RatingMaxDisplay) - RatingMin) / (RatingMaxTrue - RatingMin)
		return clampRaw(clampF(frac, 0, 1)*float64(maxRaw(widthBits)), widthBits)
	case Potential:
		return clampRaw(clampF(v, PotentialMin, PotentialMax), widthBits)
	case Tendency:
		return clampRaw(clampF(v, 0, TendencyMax), widthBits)
	case Year:
		if v >= 0 && v < YearBase {
			return clampRaw(v, widthBits)
		}
		return clampRaw(v-YearBase, widthBits)
	case Height:
		return clampRaw(clampF(v, HeightMinInches, HeightMaxInches)*HeightUnitScale, widthBits)
	case Badge:
		return clampRaw(clampF(v, 0, float64(len(BadgeLevels)-1)), widthBits)
	}
	return clampRaw(v, widthBits)
}

// BadgeLabel returns the label of a badge level.
func BadgeLabel(level int64) string {
	if level < 0 {
		level = 0
	}
	if level >= int64(len(BadgeLevels)) {
		level = int64(len(BadgeLevels) - 1)
	}
	return BadgeLevels[level]
}

// ParseBadge looks up a badge label, ignoring case.
func ParseBadge(label string) (int64, bool) {
	for i, l := range BadgeLevels {
		if strings.EqualFold(l, strings.TrimSpace(label)) {
			return int64(i), true
		}
	}
	return 0, false
}

// FormatHeight renders inches as feet and inches, e.g. 6'8".
func FormatHeight(inches int64) string {
	if inches < 0 {
		return "--"
	}
	return fmt.Sprintf("%d'%d\"", inches/12, inches%12)
}

// ParseHeight accepts 6'8", 6'8 or a plain number of inches.
func ParseHeight(text string) (int64, error) {
	text = strings.TrimSuffix(strings.TrimSpace(text), "\"")
	if ft, in, ok := strings.Cut(text, "'"); ok {
		var f, i int64
		if _, err := fmt.Sscanf(strings.TrimSpace(ft), "%d", &f); err != nil {
			return 0, fmt.Errorf("bad height %q", text)
		}
		if in = strings.TrimSpace(in); in != "" {
			if _, err := fmt.Sscanf(in, "%d", &i); err != nil {
				return 0, fmt.Errorf("bad height %q", text)
			}
		}
		return f*12 + i, nil
	}
	var n int64
	if _, err := fmt.Sscanf(text, "%d", &n); err != nil {
		return 0, fmt.Errorf("bad height %q", text)
	}
	return n, nil
}
