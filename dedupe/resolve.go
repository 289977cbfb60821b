package dedupe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"

	"dealledger/listing"
)

const urlFlags = purell.FlagsSafe |
	purell.FlagsUsuallySafeGreedy |
	purell.FlagRemoveFragment |
	purell.FlagSortQuery |
	purell.FlagRemoveWWW |
	purell.FlagRemoveDirectoryIndex

// ErrInvalidURL marks a source URL that cannot identify a listing.
var ErrInvalidURL = errors.New("dedupe: invalid source url")

// CanonicalURL normalizes a listing URL so trivially different spellings share an identity.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	return purell.NormalizeURL(u, urlFlags), nil
}

// Lookup is the read-only view of stored listings that identity resolution needs.
type Lookup interface {
	FindByURL(ctx context.Context, brokerID, url string) (listing.Record, bool, error)
	FindBySourceID(ctx context.Context, brokerID, sourceID string) (listing.Record, bool, error)
	FindByContentHash(ctx context.Context, brokerID, hash string) ([]listing.Record, error)
}

// Resolution is the identity decision for one observation.
type Resolution struct {
	CanonicalURL string
	Found        bool
	Record       listing.Record
	// NewAlias is set when the observation reached a known listing under a URL it did not
	// have yet; the stored canonical URL stays.
	NewAlias string
	// Ambiguous lists same-broker records with identical content under other URLs. The
	// observation becomes a new record and both sides are flagged.
	Ambiguous []listing.Record
}

// Resolve matches an observation to an existing record of the same broker by canonical URL or
// alias, then by the broker's own listing id.
func Resolve(ctx context.Context, lookup Lookup, f listing.Fields, contentHash string) (Resolution, error) {
	canonical, err := CanonicalURL(f.SourceURL)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{CanonicalURL: canonical}

	rec, ok, err := lookup.FindByURL(ctx, f.BrokerID, canonical)
	if err != nil {
		return Resolution{}, fmt.Errorf("dedupe: find by url: %w", err)
	}
	if ok {
		res.Found, res.Record = true, rec
		return res, nil
	}

	if f.SourceID != nil && *f.SourceID != "" {
		rec, ok, err = lookup.FindBySourceID(ctx, f.BrokerID, *f.SourceID)
		if err != nil {
			return Resolution{}, fmt.Errorf("dedupe: find by source id: %w", err)
		}
		if ok {
			res.Found, res.Record = true, rec
			if !rec.KnowsURL(canonical) {
				res.NewAlias = canonical
			}
			return res, nil
		}
	}

	same, err := lookup.FindByContentHash(ctx, f.BrokerID, contentHash)
	if err != nil {
		return Resolution{}, fmt.Errorf("dedupe: find by content hash: %w", err)
	}
	res.Ambiguous = same
	return res, nil
}
