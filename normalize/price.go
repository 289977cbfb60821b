package normalize

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// askForPrice hides the price even when the text has digits, which are then a phone number.
var askForPrice = regexp.MustCompile(`(?i)\b(contact|call|inquire|tbd|upon request|on request)\b|\bn/a\b`)

// hiddenPriceMarkers only hide a price when no amount is given.
var hiddenPriceMarkers = []string{"negotiable", "undisclosed", "confidential", "not disclosed"}

var (
	amountPattern = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*(thousand|million|billion|mm|k|m|b)?\b`)
	rangePattern  = regexp.MustCompile(`(?i)\d\s*[kmb]?\s*(?:-|–|—|\bto\b)\s*\D{0,4}\d`)
)

var suffixFactor = map[string]decimal.Decimal{
	"k":        decimal.NewFromInt(1_000),
	"thousand": decimal.NewFromInt(1_000),
	"m":        decimal.NewFromInt(1_000_000),
	"mm":       decimal.NewFromInt(1_000_000),
	"million":  decimal.NewFromInt(1_000_000),
	"b":        decimal.NewFromInt(1_000_000_000),
	"billion":  decimal.NewFromInt(1_000_000_000),
}

// currencyMarkers are checked in order; multi-character symbols come before "$".
var currencyMarkers = []struct {
	marker string
	code   string
}{
	{"ca$", "CAD"}, {"c$", "CAD"}, {"cad", "CAD"},
	{"a$", "AUD"}, {"aud", "AUD"},
	{"€", "EUR"}, {"eur", "EUR"},
	{"£", "GBP"}, {"gbp", "GBP"},
	{"usd", "USD"}, {"$", "USD"},
}

type money struct {
	amount      *int64
	hidden      bool
	ranged      bool
	unconverted bool
}

// parseMoney turns free-form money text into whole USD. currency and fxRate come from the
// observation and win over anything detected in the text.
func (n *Normalizer) parseMoney(text, currency, fxRate string) money {
	s := strings.TrimSpace(text)
	if s == "" {
		return money{}
	}
	if askForPrice.MatchString(s) {
		return money{hidden: true}
	}
	lower := strings.ToLower(s)
	matches := amountPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		for _, m := range hiddenPriceMarkers {
			if strings.Contains(lower, m) {
				return money{hidden: true}
			}
		}
		return money{}
	}

	var out money
	amount, ok := toDecimal(matches[0])
	if !ok {
		return money{}
	}
	if len(matches) >= 2 && rangePattern.MatchString(s) {
		if second, ok := toDecimal(matches[1]); ok && second.LessThan(amount) {
			amount = second
		}
		out.ranged = true
	}

	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = detectCurrency(lower)
	}
	if code != "USD" {
		rate, ok := n.rate(code, fxRate)
		if !ok {
			out.unconverted = true
			return out
		}
		amount = amount.Mul(rate)
	}

	v := amount.Round(0).IntPart()
	out.amount = &v
	return out
}

func toDecimal(match []string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(match[1], ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	if f, ok := suffixFactor[strings.ToLower(match[2])]; ok {
		d = d.Mul(f)
	}
	return d, true
}

func detectCurrency(lower string) string {
	for _, c := range currencyMarkers {
		if strings.Contains(lower, c.marker) {
			return c.code
		}
	}
	return "USD"
}

func (n *Normalizer) rate(code, fxRate string) (decimal.Decimal, bool) {
	if fxRate = strings.TrimSpace(fxRate); fxRate != "" {
		if d, err := decimal.NewFromString(fxRate); err == nil && d.IsPositive() {
			return d, true
		}
	}
	d, ok := n.rates[code]
	return d, ok
}
