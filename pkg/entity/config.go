package entity

// Config is a JSON object payload such as a connection configuration. Secret
// fields live anywhere in the tree, including nested objects and arrays.
type Config map[string]interface{}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(c)).(map[string]interface{})
}

// Get returns the value at a dotted path, e.g. "dbtConfigSource.dbtCloudAuthToken".
func (c Config) Get(path ...string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(c)
	for _, key := range path {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString returns the string at a path, or "" when absent or not a string.
func (c Config) GetString(path ...string) string {
	v, ok := c.Get(path...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Config:
		return m, true
	}
	return nil, false
}

func cloneValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case Config:
		out := make(map[string]interface{}, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
