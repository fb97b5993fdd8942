package executor

import "shipwright/pkg/tools"

// MergePatch merges src into dst. Map values are merged key by key; any
// other value replaces what dst held.
func MergePatch(dst, src tools.StatePatch) {
	for key, value := range src {
		switch v := value.(type) {
		case map[string]string:
			existing, _ := dst[key].(map[string]string)
			merged := make(map[string]string, len(existing)+len(v))
			for k, s := range existing {
				merged[k] = s
			}
			for k, s := range v {
				merged[k] = s
			}
			dst[key] = merged
		case map[string]any:
			existing, _ := dst[key].(map[string]any)
			merged := make(map[string]any, len(existing)+len(v))
			for k, s := range existing {
				merged[k] = s
			}
			for k, s := range v {
				merged[k] = s
			}
			dst[key] = merged
		default:
			dst[key] = value
		}
	}
}
