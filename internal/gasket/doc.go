// Package gasket extracts structured payloads from free-form model output.
//
// Producers are instructed to wrap their payload in a versioned marker pair
// such as <<<ANALYSIS_V1>>> ... <<<END_ANALYSIS_V1>>>. The extractor walks
// an explicit fallback chain when the response is malformed: marker parse,
// then largest balanced-brace heuristic, then an optional secondary
// extraction call. Every step that fires is visible in the returned
// Outcome so callers can audit recovered results separately from clean
// ones.
package gasket
