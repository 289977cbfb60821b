// Package contenthash fingerprints the semantically significant fields of a listing so the
// ledger can detect change without diffing eagerly.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"dealledger/listing"
)

const (
	// Prefix names the digest algorithm in rendered hashes.
	Prefix = "sha256:"

	descriptionPrefix = 500
	nullSentinel      = "~"
	separator         = "|"
)

// Hash returns "sha256:<hex>" over title, asking price, revenue, cash flow, city, state and
// the first 500 characters of the description, in that order.
func Hash(f listing.Fields) string {
	parts := []*string{
		&f.Title,
		formatInt(f.AskingPrice),
		formatInt(f.Revenue),
		formatInt(f.CashFlow),
		f.City,
		f.State,
		truncate(f.Description, descriptionPrefix),
	}

	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString(separator)
		}
		writeField(&b, p)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Prefix + hex.EncodeToString(sum[:])
}

// writeField length-prefixes present values so no value can impersonate a separator or the
// null sentinel.
func writeField(b *strings.Builder, v *string) {
	if v == nil {
		b.WriteString(nullSentinel)
		return
	}
	b.WriteString(strconv.Itoa(len(*v)))
	b.WriteByte(':')
	b.WriteString(*v)
}

func formatInt(v *int64) *string {
	if v == nil {
		return nil
	}
	s := strconv.FormatInt(*v, 10)
	return &s
}

func truncate(s *string, n int) *string {
	if s == nil {
		return nil
	}
	r := []rune(*s)
	if len(r) <= n {
		return s
	}
	out := string(r[:n])
	return &out
}
