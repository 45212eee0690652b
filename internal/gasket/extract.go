package gasket

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/vk/refinery/internal/ctxlog"
)

// Payload is the decoded structured content of one response.
type Payload map[string]any

// Outcome records which extraction path produced the payload.
type Outcome int

const (
	// OutcomeClean means the marker pair was found and its interior
	// validated on the first attempt.
	OutcomeClean Outcome = iota
	// OutcomeRecoveredFallback means the balanced-brace heuristic
	// recovered the payload after the marker path failed.
	OutcomeRecoveredFallback
	// OutcomeRecoveredSecondaryCall means a secondary extraction call
	// recovered the payload.
	OutcomeRecoveredSecondaryCall
	// OutcomeFailed means no path produced a valid payload.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeRecoveredFallback:
		return "recovered_fallback"
	case OutcomeRecoveredSecondaryCall:
		return "recovered_secondary_call"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Recovered reports whether the payload came from any fallback step.
func (o Outcome) Recovered() bool {
	return o == OutcomeRecoveredFallback || o == OutcomeRecoveredSecondaryCall
}

// Result annotates an extraction with the path that produced it. Err is
// non-nil only when Outcome is OutcomeFailed; it is a *SchemaViolationError
// when the payload parsed but failed required-field validation, and a
// *ExtractionError otherwise.
type Result struct {
	Outcome Outcome
	Err     error
}

// MarkerPolicy selects which marker-delimited block wins when a response
// contains more than one pair.
type MarkerPolicy int

const (
	// TakeLast assumes earlier blocks are illustrative or quoted and the
	// final block is the real answer.
	TakeLast MarkerPolicy = iota
	// TakeFirst takes the earliest complete block.
	TakeFirst
)

// Recoverer performs the secondary extraction call: a small external
// request whose sole job is pulling schema-shaped JSON out of raw text.
type Recoverer interface {
	Recover(ctx context.Context, raw string, schema Schema) (string, error)
}

// Extractor parses structured payloads out of free-form responses. It has
// no side effects beyond the optional Recoverer call.
type Extractor struct {
	Policy    MarkerPolicy
	Recoverer Recoverer
}

// Extract runs the fallback chain over raw and returns the payload with
// the outcome of whichever path produced it.
func (e *Extractor) Extract(ctx context.Context, raw string, schema Schema) (Payload, Result) {
	logger := ctxlog.FromContext(ctx).With("schema", schema.Name, "version", schema.Version)

	// Primary path: marker pair.
	interior, found := e.selectMarkerBlock(raw, schema)
	var primaryErr error
	if found {
		payload, err := decodeAndValidate(interior, schema)
		if err == nil {
			return payload, Result{Outcome: OutcomeClean}
		}
		primaryErr = err
	}

	// Fallback path: largest balanced-brace substring of the whole
	// response. Markers may be absent or the interior truncated.
	if candidate := largestBalancedObject(raw); candidate != "" {
		payload, err := decodeAndValidate(candidate, schema)
		if err == nil {
			logger.Warn("Extraction recovered via balanced-brace fallback.")
			return payload, Result{Outcome: OutcomeRecoveredFallback}
		}
		if primaryErr == nil {
			primaryErr = err
		}
	}

	// Recovery path: secondary extraction call.
	if e.Recoverer != nil {
		extracted, err := e.Recoverer.Recover(ctx, raw, schema)
		if err == nil {
			payload, vErr := decodeAndValidate(extracted, schema)
			if vErr == nil {
				logger.Warn("Extraction recovered via secondary call.")
				return payload, Result{Outcome: OutcomeRecoveredSecondaryCall}
			}
			// Keep the primary path's error: a schema violation from the
			// marker interior must not be downgraded to a transient
			// extraction failure by garbage from the secondary call.
			if primaryErr == nil {
				primaryErr = vErr
			}
		} else {
			logger.Warn("Secondary extraction call failed.", "error", err)
		}
	}

	if primaryErr == nil {
		primaryErr = &ExtractionError{Reason: "no marker pair and no parseable JSON object in response"}
	}
	return nil, Result{Outcome: OutcomeFailed, Err: primaryErr}
}

// selectMarkerBlock locates every start/end marker pair and picks one per
// the configured policy.
func (e *Extractor) selectMarkerBlock(raw string, schema Schema) (string, bool) {
	start := schema.StartMarker()
	end := schema.EndMarker()

	var blocks []string
	rest := raw
	for {
		i := strings.Index(rest, start)
		if i < 0 {
			break
		}
		rest = rest[i+len(start):]
		j := strings.Index(rest, end)
		if j < 0 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(rest[:j]))
		rest = rest[j+len(end):]
	}

	if len(blocks) == 0 {
		return "", false
	}
	if e.Policy == TakeFirst {
		return blocks[0], true
	}
	return blocks[len(blocks)-1], true
}

// decodeAndValidate parses text as a JSON object and checks every required
// field is present and non-null.
func decodeAndValidate(text string, schema Schema) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, &ExtractionError{Reason: "interior is not a JSON object: " + err.Error()}
	}

	var missing []string
	for _, field := range schema.Required {
		if v, ok := payload[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaViolationError{Missing: missing, Raw: text}
	}
	return payload, nil
}

// largestBalancedObject returns the longest substring of raw that is a
// brace-balanced JSON object candidate, honoring string literals and
// escapes so braces inside strings do not count.
func largestBalancedObject(raw string) string {
	best := ""
	for i := 0; i < len(raw); i++ {
		if raw[i] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(raw); j++ {
			c := raw[j]
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				if inString {
					escaped = true
				}
			case '"':
				inString = !inString
			case '{':
				if !inString {
					depth++
				}
			case '}':
				if !inString {
					depth--
					if depth == 0 {
						if candidate := raw[i : j+1]; len(candidate) > len(best) {
							best = candidate
						}
						j = len(raw) // done with this start
					}
				}
			}
		}
	}
	return best
}
