package lspconfig

// deepMerge recursively merges src into a copy of dst and returns the
// result. Maps merge key by key; arrays and scalars from src replace the
// dst value wholesale. Neither input is mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = cloneValue(v)
	}
	for key, srcVal := range src {
		dstVal, exists := out[key]
		if !exists {
			out[key] = cloneValue(srcVal)
			continue
		}
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dstVal.(map[string]any)
		if srcIsMap && dstIsMap {
			out[key] = deepMerge(dstMap, srcMap)
		} else {
			out[key] = cloneValue(srcVal)
		}
	}
	return out
}

// cloneValue creates a deep copy of a decoded JSON value.
func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}
