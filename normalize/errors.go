package normalize

import (
	"fmt"
	"strings"
)

// ValidationError reports an observation missing required fields. Such observations never
// reach the ledger.
type ValidationError struct {
	SourceURL string
	BrokerID  string
	Missing   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("normalize: observation %q from %q missing required fields: %s",
		e.SourceURL, e.BrokerID, strings.Join(e.Missing, ", "))
}
