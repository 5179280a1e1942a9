package types

// Event is a typed record emitted by the ledger engines after a state
// transition commits. Attributes carry decimal-encoded amounts and hex
// addresses so consumers never parse engine internals.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute, or the empty string when absent.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
