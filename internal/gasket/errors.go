package gasket

import (
	"fmt"
	"strings"
)

// ExtractionError reports output so malformed that no fallback step could
// recover a payload. Retryable: a fresh dispatch may produce parseable
// output.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

// SchemaViolationError reports a payload that parsed but is missing
// required fields. Terminal: the raw payload is preserved for diagnosis.
type SchemaViolationError struct {
	Missing []string
	Raw     string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("payload missing required fields: %s", strings.Join(e.Missing, ", "))
}
