package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealledger/listing"
	"dealledger/observation"
	"dealledger/status"
)

// Result is a schema-conformant observation ready for the ledger.
type Result struct {
	listing.Fields

	BrokerWebsite string
	Trigger       status.Trigger
	Reachable     bool
	// Flags raised while normalizing, such as a collapsed price range.
	Flags       []listing.Flag
	NeedsReview bool
}

// Options configures currency conversion.
type Options struct {
	// Rates maps an ISO currency code to the USD value of one unit.
	Rates map[string]decimal.Decimal
	// Now stamps observations that carry no scrape time.
	Now func() time.Time
}

// Normalizer canonicalizes raw observations. It is safe for concurrent use.
type Normalizer struct {
	rates map[string]decimal.Decimal
	now   func() time.Time
}

func NewNormalizer(opts Options) *Normalizer {
	rates := make(map[string]decimal.Decimal, len(opts.Rates)+1)
	for code, r := range opts.Rates {
		rates[strings.ToUpper(code)] = r
	}
	rates["USD"] = decimal.NewFromInt(1)

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Normalizer{rates: rates, now: now}
}

// Normalize validates required fields and canonicalizes price, location and vertical.
func (n *Normalizer) Normalize(obs observation.Observation) (Result, error) {
	var missing []string
	if strings.TrimSpace(obs.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(obs.BrokerID) == "" {
		missing = append(missing, "broker_id")
	}
	if strings.TrimSpace(obs.Status) == "" {
		missing = append(missing, "status")
	}
	if strings.TrimSpace(obs.SourceURL) == "" {
		missing = append(missing, "source_url")
	}
	if len(missing) > 0 {
		return Result{}, &ValidationError{SourceURL: obs.SourceURL, BrokerID: obs.BrokerID, Missing: missing}
	}

	var res Result
	res.SourceURL = strings.TrimSpace(obs.SourceURL)
	res.SourceID = optional(obs.SourceID.String())
	res.BrokerID = strings.TrimSpace(obs.BrokerID)
	res.BrokerName = collapseSpaces(obs.BrokerName)
	if res.BrokerName == "" {
		res.BrokerName = res.BrokerID
	}
	res.BrokerWebsite = strings.TrimSpace(obs.BrokerWebsite)

	res.Title = collapseSpaces(obs.Title)
	if d := strings.TrimSpace(obs.Description.String()); d != "" {
		res.Description = &d
	}

	currency, fx := obs.Currency.String(), obs.FXRate.String()
	price := n.parseMoney(obs.AskingPrice.String(), currency, fx)
	res.AskingPrice = price.amount
	res.PriceHidden = price.hidden
	if price.ranged {
		res.Flags = append(res.Flags, listing.FlagPriceRangeCollapsed)
	}
	if price.unconverted {
		res.Flags = append(res.Flags, listing.FlagCurrencyUnconverted)
	}

	res.Revenue = n.amount(obs.Revenue, currency, fx)
	res.CashFlow = n.amount(obs.CashFlow, currency, fx)
	res.EBITDA = n.amount(obs.EBITDA, currency, fx)
	res.Inventory = n.amount(obs.Inventory, currency, fx)
	res.FFE = n.amount(obs.FFE, currency, fx)
	res.RealEstateValue = n.amount(obs.RealEstateValue, currency, fx)

	loc := normalizeLocation(obs.City.String(), obs.State.String(), obs.Country.String(),
		obs.Zip.String(), obs.Region.String(), obs.Location.String())
	res.City, res.State, res.Country, res.Zip, res.Region = loc.city, loc.state, loc.country, loc.zip, loc.region
	res.LocationHidden = loc.hidden

	res.Category = optional(collapseSpaces(obs.Category.String()))
	vertical, matched := classifyVertical(obs.Category.String(), res.Title, obs.Description.String())
	res.Vertical = vertical
	res.NeedsReview = !matched

	res.RealEstate = parseBool(obs.RealEstate)
	res.YearEstablished = parseInt(obs.YearEstablished)
	res.Employees = parseInt(obs.Employees)
	res.SellerFinancing = parseBool(obs.SellerFinancing)
	res.SBAPrequalified = parseBool(obs.SBAPrequalified)
	res.Franchise = parseBool(obs.Franchise)
	res.FranchiseName = optional(collapseSpaces(obs.FranchiseName.String()))
	if res.FranchiseName != nil && res.Franchise == nil {
		yes := true
		res.Franchise = &yes
	}
	res.HomeBased = parseBool(obs.HomeBased)
	res.Relocatable = parseBool(obs.Relocatable)
	res.AbsenteeOwner = parseBool(obs.AbsenteeOwner)

	res.ScrapedAt = obs.ScrapedAt.UTC()
	if obs.ScrapedAt.IsZero() {
		res.ScrapedAt = n.now().UTC()
	}

	res.Reachable = obs.IsReachable()
	res.Trigger = status.ParseTrigger(obs.Status, res.Reachable)

	return res, nil
}

func (n *Normalizer) amount(t observation.Text, currency, fx string) *int64 {
	return n.parseMoney(t.String(), currency, fx).amount
}

func parseBool(t observation.Text) *bool {
	v := true
	switch strings.ToLower(t.String()) {
	case "yes", "y", "true", "t", "1", "available", "included":
		return &v
	case "no", "n", "false", "f", "0", "none", "not available":
		v = false
		return &v
	}
	return nil
}

var firstInt = regexp.MustCompile(`\d[\d,]*`)

func parseInt(t observation.Text) *int {
	m := firstInt.FindString(t.String())
	if m == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return nil
	}
	return &v
}
