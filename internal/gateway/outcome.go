package gateway

import (
	"encoding/json"
)

// UsageKey is the response field holding the UsageSummary.
const UsageKey = "gateway_usage"

// Body returns the upstream response with the usage summary added. Bodies
// that are not JSON objects are returned unchanged.
func (o Outcome) Body() []byte {
	raw := []byte(o.Response.Raw)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return raw
	}
	usage, err := json.Marshal(o.Usage)
	if err != nil {
		return raw
	}
	fields[UsageKey] = usage
	body, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return body
}
