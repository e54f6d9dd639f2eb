package ui

// deepMerge combines layers from lowest to highest precedence into a new
// map. Nested maps are merged key by key; any other value, slices included,
// is replaced by the higher layer. Inputs are never modified.
func deepMerge(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, ok := v.(map[string]any)
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}

		dstMap, ok := dst[k].(map[string]any)
		if !ok {
			dstMap = make(map[string]any, len(srcMap))
			dst[k] = dstMap
		}
		mergeInto(dstMap, srcMap)
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepMerge(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
