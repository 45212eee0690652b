package gasket

import "fmt"

// Schema declares the marker protocol name, its version, and the top-level
// fields a payload must carry. Versioned markers keep older cached
// artifacts parseable after a schema evolves.
type Schema struct {
	Name     string
	Version  int
	Required []string
}

// StartMarker returns the opening sentinel for this schema version.
func (s Schema) StartMarker() string {
	return fmt.Sprintf("<<<%s_V%d>>>", s.Name, s.Version)
}

// EndMarker returns the closing sentinel for this schema version.
func (s Schema) EndMarker() string {
	return fmt.Sprintf("<<<END_%s_V%d>>>", s.Name, s.Version)
}

// Wrap surrounds a serialized payload with this schema's marker pair. Used
// when building prompts (to show the model the expected envelope) and by
// tests constructing well-formed responses.
func (s Schema) Wrap(payload string) string {
	return s.StartMarker() + "\n" + payload + "\n" + s.EndMarker()
}
