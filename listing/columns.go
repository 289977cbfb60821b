package listing

import (
	"strconv"
	"time"
)

// Columns is the fixed export order of every schema field.
var Columns = []string{
	"id", "source_url", "source_id", "broker_id", "broker_name",
	"first_seen", "last_seen", "status",
	"title", "description", "asking_price", "price_hidden", "vertical", "category",
	"city", "state", "country", "zip", "region", "location_hidden",
	"revenue", "cash_flow", "ebitda", "inventory", "ffe",
	"real_estate", "real_estate_value", "year_established", "employees",
	"seller_financing", "sba_prequalified", "franchise", "franchise_name",
	"home_based", "relocatable", "absentee_owner",
	"scraped_at", "content_hash", "confidence", "flags",
}

// ContentColumns are the observed attributes compared field by field on every apply.
var ContentColumns = []string{
	"source_id", "broker_name",
	"title", "description", "asking_price", "price_hidden", "vertical", "category",
	"city", "state", "country", "zip", "region", "location_hidden",
	"revenue", "cash_flow", "ebitda", "inventory", "ffe",
	"real_estate", "real_estate_value", "year_established", "employees",
	"seller_financing", "sba_prequalified", "franchise", "franchise_name",
	"home_based", "relocatable", "absentee_owner",
}

// TimeFormat renders timestamps in UTC with a trailing Z.
const TimeFormat = time.RFC3339

// FormatTime renders t in the export time format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// FormatConfidence renders a confidence score without trailing zeros.
func FormatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

// Values flattens the record into Columns order; nil means null.
func (r Record) Values() []*string {
	out := make([]*string, len(Columns))
	for i, c := range Columns {
		out[i] = r.Value(c)
	}
	return out
}

// Value returns the flattened value of one column, nil for null or unknown columns.
func (r Record) Value(column string) *string {
	switch column {
	case "id":
		return str(r.ID)
	case "status":
		return str(string(r.Status))
	case "first_seen":
		return str(FormatTime(r.FirstSeen))
	case "last_seen":
		return str(FormatTime(r.LastSeen))
	case "content_hash":
		return str(r.ContentHash)
	case "confidence":
		return str(FormatConfidence(r.Confidence))
	case "flags":
		return str(r.Flags.String())
	}
	return r.Fields.Value(column)
}

// Value returns the flattened value of one observed attribute.
func (f Fields) Value(column string) *string {
	switch column {
	case "source_url":
		return str(f.SourceURL)
	case "source_id":
		return f.SourceID
	case "broker_id":
		return str(f.BrokerID)
	case "broker_name":
		return str(f.BrokerName)
	case "title":
		return str(f.Title)
	case "description":
		return f.Description
	case "asking_price":
		return i64(f.AskingPrice)
	case "price_hidden":
		return boolean(&f.PriceHidden)
	case "vertical":
		return str(f.Vertical)
	case "category":
		return f.Category
	case "city":
		return f.City
	case "state":
		return f.State
	case "country":
		return f.Country
	case "zip":
		return f.Zip
	case "region":
		return f.Region
	case "location_hidden":
		return boolean(&f.LocationHidden)
	case "revenue":
		return i64(f.Revenue)
	case "cash_flow":
		return i64(f.CashFlow)
	case "ebitda":
		return i64(f.EBITDA)
	case "inventory":
		return i64(f.Inventory)
	case "ffe":
		return i64(f.FFE)
	case "real_estate":
		return boolean(f.RealEstate)
	case "real_estate_value":
		return i64(f.RealEstateValue)
	case "year_established":
		return integer(f.YearEstablished)
	case "employees":
		return integer(f.Employees)
	case "seller_financing":
		return boolean(f.SellerFinancing)
	case "sba_prequalified":
		return boolean(f.SBAPrequalified)
	case "franchise":
		return boolean(f.Franchise)
	case "franchise_name":
		return f.FranchiseName
	case "home_based":
		return boolean(f.HomeBased)
	case "relocatable":
		return boolean(f.Relocatable)
	case "absentee_owner":
		return boolean(f.AbsenteeOwner)
	case "scraped_at":
		if f.ScrapedAt.IsZero() {
			return nil
		}
		return str(FormatTime(f.ScrapedAt))
	}
	return nil
}

// Equal compares two optional cell values.
func Equal(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func str(s string) *string { return &s }

func i64(v *int64) *string {
	if v == nil {
		return nil
	}
	return str(strconv.FormatInt(*v, 10))
}

func integer(v *int) *string {
	if v == nil {
		return nil
	}
	return str(strconv.Itoa(*v))
}

func boolean(v *bool) *string {
	if v == nil {
		return nil
	}
	return str(strconv.FormatBool(*v))
}
