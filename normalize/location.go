package normalize

import (
	"regexp"
	"strings"
)

var usStates = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR", "california": "CA",
	"colorado": "CO", "connecticut": "CT", "delaware": "DE", "florida": "FL", "georgia": "GA",
	"hawaii": "HI", "idaho": "ID", "illinois": "IL", "indiana": "IN", "iowa": "IA",
	"kansas": "KS", "kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS", "missouri": "MO",
	"montana": "MT", "nebraska": "NE", "nevada": "NV", "new hampshire": "NH", "new jersey": "NJ",
	"new mexico": "NM", "new york": "NY", "north carolina": "NC", "north dakota": "ND", "ohio": "OH",
	"oklahoma": "OK", "oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT", "vermont": "VT",
	"virginia": "VA", "washington": "WA", "west virginia": "WV", "wisconsin": "WI", "wyoming": "WY",
	"district of columbia": "DC", "washington dc": "DC", "washington d.c.": "DC",
}

var caProvinces = map[string]string{
	"ontario": "ON", "quebec": "QC", "british columbia": "BC", "alberta": "AB", "manitoba": "MB",
	"saskatchewan": "SK", "nova scotia": "NS", "new brunswick": "NB", "newfoundland and labrador": "NL",
	"prince edward island": "PE", "northwest territories": "NT", "yukon": "YT", "nunavut": "NU",
}

var countries = map[string]string{
	"us": "US", "usa": "US", "u.s.": "US", "u.s.a.": "US", "united states": "US",
	"united states of america": "US", "america": "US",
	"ca": "CA", "can": "CA", "canada": "CA",
	"uk": "GB", "gb": "GB", "united kingdom": "GB", "great britain": "GB", "england": "GB",
	"au": "AU", "aus": "AU", "australia": "AU",
	"mx": "MX", "mex": "MX", "mexico": "MX",
}

var (
	usCodes = codeSet(usStates)
	caCodes = codeSet(caProvinces)
)

var confidentialMarkers = []string{"confidential", "undisclosed", "not disclosed", "withheld", "private"}

var cityStatePattern = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z .'\-]*?)\s*,\s*([A-Za-z][A-Za-z .]*?)\.?\s*(\d{5}(?:-\d{4})?)?\s*$`)

func codeSet(m map[string]string) map[string]bool {
	out := make(map[string]bool, len(m))
	for _, code := range m {
		out[code] = true
	}
	return out
}

type location struct {
	city, state, country, zip, region *string
	hidden                            bool
}

// stateCode maps a state or province name or code. The second result is the implied country.
func stateCode(text string) (string, string, bool) {
	key := strings.ToLower(collapseSpaces(text))
	key = strings.TrimSuffix(key, ".")
	if key == "" {
		return "", "", false
	}
	if code, ok := usStates[key]; ok {
		return code, "US", true
	}
	if code, ok := caProvinces[key]; ok {
		return code, "CA", true
	}
	upper := strings.ToUpper(strings.ReplaceAll(key, ".", ""))
	if usCodes[upper] {
		return upper, "US", true
	}
	if caCodes[upper] {
		return upper, "CA", true
	}
	return "", "", false
}

func countryCode(text string) (string, bool) {
	code, ok := countries[strings.ToLower(collapseSpaces(text))]
	return code, ok
}

func isConfidential(values ...string) bool {
	for _, v := range values {
		lower := strings.ToLower(v)
		for _, m := range confidentialMarkers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}

func normalizeLocation(city, state, country, zip, region, free string) location {
	var loc location

	if isConfidential(city, state, free) {
		loc.hidden = true
		city, state, zip = "", "", ""
		free = ""
	}

	if (city == "" || state == "") && free != "" {
		if m := cityStatePattern.FindStringSubmatch(free); m != nil {
			if city == "" {
				city = m[1]
			}
			if state == "" {
				state = m[2]
			}
			if zip == "" {
				zip = m[3]
			}
		} else if state == "" {
			state = free
		}
	}

	loc.city = optional(collapseSpaces(city))
	loc.zip = optional(strings.TrimSpace(zip))
	loc.region = optional(collapseSpaces(region))

	impliedCountry := ""
	if s := collapseSpaces(state); s != "" {
		if code, implied, ok := stateCode(s); ok {
			loc.state = &code
			impliedCountry = implied
		} else {
			loc.keepInRegion(s)
		}
	}

	switch c := collapseSpaces(country); {
	case c != "":
		if code, ok := countryCode(c); ok {
			loc.country = &code
		} else {
			loc.keepInRegion(c)
		}
	case impliedCountry != "":
		loc.country = &impliedCountry
	default:
		us := "US"
		loc.country = &us
	}

	return loc
}

// keepInRegion preserves unmapped location text, appending to a region the broker already gave.
func (l *location) keepInRegion(text string) {
	if l.region == nil {
		l.region = &text
		return
	}
	if strings.Contains(strings.ToLower(*l.region), strings.ToLower(text)) {
		return
	}
	joined := *l.region + ", " + text
	l.region = &joined
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
