package router

import (
	"encoding/json"
)

// Mapper is implemented by agent outputs that have a plain map form.
type Mapper interface {
	ToMap() map[string]interface{}
}

// Normalize converts an agent output to a value that encodes as plain
// JSON. Mappers become maps, raw JSON is decoded, everything else is
// returned unchanged.
func Normalize(output interface{}) interface{} {
	switch v := output.(type) {
	case Mapper:
		return v.ToMap()
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			return string(v)
		}
		return decoded
	default:
		return output
	}
}
