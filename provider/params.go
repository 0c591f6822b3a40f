package provider

// Helpers for reading the loosely typed provider parameter maps produced by
// YAML configuration. YAML decodes numbers as int or float64 depending on
// the literal, so each accessor accepts both.

// StringParam returns the string value for key, or def when absent or not a
// string.
func StringParam(m map[string]interface{}, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// IntParam returns the integer value for key, or def.
func IntParam(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Int64Param returns the int64 value for key, or def.
func Int64Param(m map[string]interface{}, key string, def int64) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return def
}

// FloatParam returns the float value for key, or def.
func FloatParam(m map[string]interface{}, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// BoolParam returns the bool value for key, or def.
func BoolParam(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}
