package canon

import (
	"regexp"
	"strings"
)

var (
	rePunct = regexp.MustCompile(`[^A-Za-z0-9\s#]`)
	reUnit  = regexp.MustCompile(`(?i)\s*(?:,\s*)?(?:\b(?:APT|APARTMENT|UNIT|STE|SUITE)\b\.?|#)\s*([A-Za-z0-9-]+)\s*$`)
)

// Address is a canonicalized street address. Key identifies the parcel plus unit.
type Address struct {
	Line1 string
	Unit  string
	City  string
	State string
	Zip   string
	Key   string
}

// Canonicalize normalizes an address and computes a stable property key.
// The unit is split off line1 and folded into the key so units in one building stay distinct.
func Canonicalize(line1, city, state, zip string) Address {
	street, unit := SplitUnit(line1)
	n1 := strings.ToUpper(strings.TrimSpace(street))
	n1 = rePunct.ReplaceAllString(n1, " ")
	n1 = strings.ReplaceAll(n1, "#", " ")
	n1 = abbreviateSuffix(collapseSpaces(n1))

	c := collapseSpaces(rePunct.ReplaceAllString(strings.ToUpper(strings.TrimSpace(city)), " "))
	st := strings.ToUpper(collapseSpaces(state))
	if len(st) > 2 {
		st = stateAbbrev(st)
	}
	z := trimZIP(zip)
	u := strings.ToUpper(unit)

	key := strings.ToLower(n1 + "|" + c + "|" + st + "|" + z)
	if u != "" {
		key += "|#" + strings.ToLower(u)
	}
	return Address{Line1: n1, Unit: u, City: c, State: st, Zip: z, Key: key}
}

// SplitUnit separates a trailing unit designator ("APT 4B", "# 12", "Suite 300") from line1.
func SplitUnit(line1 string) (street, unit string) {
	s := strings.TrimSpace(line1)
	if m := reUnit.FindStringSubmatchIndex(s); m != nil {
		return strings.TrimSpace(s[:m[0]]), s[m[2]:m[3]]
	}
	return s, ""
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimZIP(z string) string {
	z = strings.TrimSpace(z)
	if len(z) >= 5 {
		return z[:5]
	}
	return z
}

// USPS street suffixes and directionals.
var suffixes = map[string]string{
	"STREET":    "ST",
	"ROAD":      "RD",
	"AVENUE":    "AVE",
	"AV":        "AVE",
	"BOULEVARD": "BLVD",
	"DRIVE":     "DR",
	"LANE":      "LN",
	"COURT":     "CT",
	"CIRCLE":    "CIR",
	"TERRACE":   "TER",
	"PLACE":     "PL",
	"PARKWAY":   "PKWY",
	"HIGHWAY":   "HWY",
	"TRAIL":     "TRL",
	"SQUARE":    "SQ",
	"NORTH":     "N",
	"SOUTH":     "S",
	"EAST":      "E",
	"WEST":      "W",
	"NORTHEAST": "NE",
	"NORTHWEST": "NW",
	"SOUTHEAST": "SE",
	"SOUTHWEST": "SW",
}

// abbreviateSuffix replaces whole words only; the first token (house number) is kept.
func abbreviateSuffix(s string) string {
	toks := strings.Fields(s)
	for i := 1; i < len(toks); i++ {
		if v, ok := suffixes[toks[i]]; ok {
			toks[i] = v
		}
	}
	return strings.Join(toks, " ")
}

var states = map[string]string{
	"ALABAMA": "AL", "ALASKA": "AK", "ARIZONA": "AZ", "ARKANSAS": "AR", "CALIFORNIA": "CA", "COLORADO": "CO",
	"CONNECTICUT": "CT", "DELAWARE": "DE", "DISTRICT OF COLUMBIA": "DC", "FLORIDA": "FL", "GEORGIA": "GA",
	"HAWAII": "HI", "IDAHO": "ID", "ILLINOIS": "IL", "INDIANA": "IN", "IOWA": "IA", "KANSAS": "KS",
	"KENTUCKY": "KY", "LOUISIANA": "LA", "MAINE": "ME", "MARYLAND": "MD", "MASSACHUSETTS": "MA",
	"MICHIGAN": "MI", "MINNESOTA": "MN", "MISSISSIPPI": "MS", "MISSOURI": "MO", "MONTANA": "MT",
	"NEBRASKA": "NE", "NEVADA": "NV", "NEW HAMPSHIRE": "NH", "NEW JERSEY": "NJ", "NEW MEXICO": "NM",
	"NEW YORK": "NY", "NORTH CAROLINA": "NC", "NORTH DAKOTA": "ND", "OHIO": "OH", "OKLAHOMA": "OK",
	"OREGON": "OR", "PENNSYLVANIA": "PA", "RHODE ISLAND": "RI", "SOUTH CAROLINA": "SC", "SOUTH DAKOTA": "SD",
	"TENNESSEE": "TN", "TEXAS": "TX", "UTAH": "UT", "VERMONT": "VT", "VIRGINIA": "VA", "WASHINGTON": "WA",
	"WEST VIRGINIA": "WV", "WISCONSIN": "WI", "WYOMING": "WY",
}

func stateAbbrev(s string) string {
	if v, ok := states[s]; ok {
		return v
	}
	return s
}
