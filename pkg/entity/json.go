package entity

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

var knownKeysCache sync.Map // reflect.Type -> []string

// decodeWithExtra decodes data into v and stores every top-level key that v
// does not model in extra.
func decodeWithExtra(data []byte, v interface{}, extra *map[string]json.RawMessage) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, key := range knownKeys(reflect.TypeOf(v).Elem()) {
		delete(all, key)
	}

	if len(all) == 0 {
		*extra = nil
		return nil
	}
	*extra = all
	return nil
}

// encodeWithExtra encodes v and merges the extra keys back into the object.
func encodeWithExtra(v interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for key, raw := range extra {
		if _, ok := doc[key]; !ok {
			doc[key] = raw
		}
	}
	return json.Marshal(doc)
}

func knownKeys(t reflect.Type) []string {
	if cached, ok := knownKeysCache.Load(t); ok {
		return cached.([]string)
	}

	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = field.Name
		}
		keys = append(keys, name)
	}

	knownKeysCache.Store(t, keys)
	return keys
}

func cloneExtra(extra map[string]json.RawMessage) map[string]json.RawMessage {
	if extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
