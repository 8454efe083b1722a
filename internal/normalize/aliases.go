package normalize

// Canonical field names every event must resolve to.
const (
	FieldClient    = "client_id"
	FieldMetric    = "metric"
	FieldAmount    = "amount"
	FieldTimestamp = "timestamp"
)

// AliasConfig maps each canonical field to the ordered list of input keys
// accepted for it. The value is immutable: WithAlias returns a new config
// instead of mutating shared state, so a Normalizer can never observe the
// table changing underneath it.
type AliasConfig struct {
	fields map[string][]string
}

// DefaultAliases returns the built-in alias table. When multiple raw keys
// mean the same thing, they all map here; first present wins.
func DefaultAliases() AliasConfig {
	return AliasConfig{fields: map[string][]string{
		FieldClient:    {"source", "client", "client_id", "source_id", "origin"},
		FieldMetric:    {"metric", "metric_name", "name", "event", "event_type", "kpi"},
		FieldAmount:    {"amount", "value", "total", "revenue", "count"},
		FieldTimestamp: {"timestamp", "time", "event_time", "date", "occurred_at"},
	}}
}

// WithAlias returns a copy of the config with extra aliases appended to a
// canonical field's list. Unknown canonical fields are ignored rather than
// silently growing the schema.
func (c AliasConfig) WithAlias(field string, aliases ...string) AliasConfig {
	if _, ok := c.fields[field]; !ok || len(aliases) == 0 {
		return c
	}
	out := AliasConfig{fields: make(map[string][]string, len(c.fields))}
	for f, list := range c.fields {
		copied := make([]string, len(list), len(list)+len(aliases))
		copy(copied, list)
		if f == field {
			copied = append(copied, aliases...)
		}
		out.fields[f] = copied
	}
	return out
}

// Aliases returns the accepted keys for a canonical field, in priority order.
func (c AliasConfig) Aliases(field string) []string {
	return c.fields[field]
}

// Recognizes reports whether key is an accepted alias of any canonical field.
func (c AliasConfig) Recognizes(key string) bool {
	for _, list := range c.fields {
		for _, alias := range list {
			if alias == key {
				return true
			}
		}
	}
	return false
}
