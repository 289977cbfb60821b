package normalize

import (
	"regexp"
	"strings"
)

// VerticalOther is assigned when nothing matches; such listings go to manual review.
const VerticalOther = "other"

type vertical struct {
	code     string
	aliases  []string
	keywords []string
}

// verticals is matched in order; more specific verticals come before broad ones.
var verticals = []vertical{
	{"laundromat", []string{"laundry", "dry cleaning"}, []string{"laundromat", "coin laundry", "laundry", "dry cleaner", "dry cleaning", "wash and fold"}},
	{"cleaning", []string{"janitorial", "commercial cleaning"}, []string{"commercial cleaning", "cleaning", "janitorial", "maid", "custodial", "pressure washing"}},
	{"vending", []string{"vending machines"}, []string{"vending", "atm route", "micro market"}},
	{"hvac", []string{"heating and cooling"}, []string{"hvac", "heating", "air conditioning", "furnace"}},
	{"landscaping", []string{"lawn care"}, []string{"landscaping", "landscape", "lawn care", "tree service", "irrigation", "snow removal"}},
	{"pool", []string{"pool service"}, []string{"pool service", "pool cleaning", "pool", "spa service"}},
	{"pest", []string{"pest control"}, []string{"pest control", "pest", "termite", "exterminator"}},
	{"plumbing", []string{"plumber"}, []string{"plumbing", "plumber", "drain cleaning", "septic"}},
	{"electrical", []string{"electrician"}, []string{"electrical", "electrician", "electric"}},
	{"automotive", []string{"auto", "auto repair"}, []string{"auto repair", "automotive", "car wash", "auto body", "collision", "tire", "oil change", "mechanic"}},
	{"restaurant", []string{"food and beverage", "food & beverage"}, []string{"restaurant", "cafe", "pizza", "pizzeria", "bar", "grill", "bakery", "food truck", "catering", "coffee shop"}},
	{"ecommerce", []string{"e-commerce", "online business", "internet"}, []string{"ecommerce", "e-commerce", "online store", "amazon fba", "shopify", "dropshipping"}},
	{"retail", []string{"retail store"}, []string{"retail", "boutique", "convenience store", "liquor store", "store", "shop"}},
	{"manufacturing", []string{"manufacturer"}, []string{"manufacturing", "manufacturer", "fabrication", "machine shop"}},
	{"distribution", []string{"wholesale", "wholesale and distribution"}, []string{"distribution", "distributor", "wholesale", "logistics"}},
	{"healthcare", []string{"medical", "health care"}, []string{"healthcare", "medical", "dental", "home health", "clinic", "pharmacy", "veterinary"}},
	{"professional", []string{"professional services", "services"}, []string{"professional services", "accounting", "bookkeeping", "consulting", "insurance agency", "staffing", "marketing agency", "law firm"}},
}

type keywordRule struct {
	code    string
	pattern *regexp.Regexp
}

var (
	categoryIndex = buildCategoryIndex()
	keywordRules  = buildKeywordRules()
)

func buildCategoryIndex() map[string]string {
	idx := make(map[string]string)
	for _, v := range verticals {
		idx[v.code] = v.code
		for _, a := range v.aliases {
			idx[a] = v.code
		}
	}
	return idx
}

func buildKeywordRules() []keywordRule {
	var rules []keywordRule
	for _, v := range verticals {
		for _, kw := range v.keywords {
			rules = append(rules, keywordRule{
				code:    v.code,
				pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`),
			})
		}
	}
	return rules
}

// classifyVertical applies broker category, then title, then description. The boolean is
// false when nothing matched.
func classifyVertical(category, title, description string) (string, bool) {
	if code, ok := categoryIndex[strings.ToLower(collapseSpaces(category))]; ok {
		return code, true
	}
	if code, ok := matchKeywords(title); ok {
		return code, true
	}
	if code, ok := matchKeywords(description); ok {
		return code, true
	}
	return VerticalOther, false
}

func matchKeywords(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	for _, r := range keywordRules {
		if r.pattern.MatchString(text) {
			return r.code, true
		}
	}
	return "", false
}
