package canon

import (
	"strings"
	"unicode"

	"github.com/mmcloughlin/geohash"
	"golang.org/x/text/cases"

	"github.com/yourorg/integrations-api/internal/domain"
)

const (
	maxStreetDistance = 2
	geohashPrecision  = 7 // ~150m cell
)

// SameProperty reports whether two canonical addresses denote the same listing:
// equal keys, or the same house number and unit plus a street name within two
// edits and either the same ZIP or the same geohash-7 cell. A street name missing
// on one side leaves the decision to the geohash cell alone.
func SameProperty(a, b domain.Address) bool {
	if a.Key != "" && a.Key == b.Key {
		return true
	}
	fold := cases.Fold()
	if fold.String(a.Unit) != fold.String(b.Unit) {
		return false
	}
	numA, streetA := HouseNumber(a.Line1)
	numB, streetB := HouseNumber(b.Line1)
	if numA == "" || numA != numB {
		return false
	}
	if streetA != "" && streetB != "" {
		if Distance(streetA, streetB) > maxStreetDistance {
			return false
		}
		if a.PostalCode != "" && a.PostalCode == b.PostalCode {
			return true
		}
	}
	if hasCoords(a) && hasCoords(b) {
		return geohash.EncodeWithPrecision(a.Lat, a.Lon, geohashPrecision) ==
			geohash.EncodeWithPrecision(b.Lat, b.Lon, geohashPrecision)
	}
	return false
}

func hasCoords(a domain.Address) bool { return a.Lat != 0 || a.Lon != 0 }

// HouseNumber splits a canonical line1 into its leading number and the street name.
func HouseNumber(line1 string) (num, street string) {
	f := strings.Fields(line1)
	if len(f) == 0 {
		return "", ""
	}
	if !unicode.IsDigit(rune(f[0][0])) {
		return "", strings.Join(f, " ")
	}
	return f[0], strings.Join(f[1:], " ")
}

// Distance is the Levenshtein edit distance between a and b.
func Distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
