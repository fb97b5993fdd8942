package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvePath maps a model-supplied path onto the workspace root and rejects escapes.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(root, cleaned)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path %q is outside the workspace", path)
		}
		return cleaned, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path cannot contain directory traversal (..) attempts")
	}
	return filepath.Join(root, cleaned), nil
}

// truncate caps content at limit bytes, keeping the head and tail.
func truncate(content string, limit int) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	half := limit / 2
	return fmt.Sprintf("%s\n... [%d bytes truncated] ...\n%s",
		content[:half], len(content)-2*half, content[len(content)-half:])
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required and must be a non-empty string", key)
	}
	return v, nil
}

// optionalString extracts an optional string argument.
func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArgOrDefault extracts an integer argument, returning defaultVal if missing or invalid.
// Handles float64 (from JSON unmarshal), int, and int64 value types.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	var n int
	switch val := args[key].(type) {
	case float64:
		n = int(val)
	case int:
		n = val
	case int64:
		n = int(val)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}

// StringSlice extracts a []string argument from a JSON-decoded value.
func StringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
