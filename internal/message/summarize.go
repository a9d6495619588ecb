package message

import "strings"

const (
	toolInputTruncateLen  = 300
	toolOutputTruncateLen = 500
)

func truncateWithEllipsis(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func getString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SummarizeToolInput applies the deterministic, per-tool-name on-write
// summarization policy from §4.3 so stored tool invocations stay small.
func SummarizeToolInput(toolName string, input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}

	switch toolName {
	case "Read", "NotebookEdit":
		key := "file_path"
		if toolName == "NotebookEdit" {
			key = "notebook_path"
		}
		out := map[string]any{}
		if v, ok := getString(input, key); ok {
			out[key] = v
		}
		return out

	case "Edit":
		out := map[string]any{}
		if v, ok := getString(input, "file_path"); ok {
			out["file_path"] = v
		}
		if v, ok := getString(input, "old_string"); ok {
			out["old_string"] = truncateWithEllipsis(v, toolInputTruncateLen)
		}
		if v, ok := getString(input, "new_string"); ok {
			out["new_string"] = truncateWithEllipsis(v, toolInputTruncateLen)
		}
		return out

	case "Write":
		out := map[string]any{}
		if v, ok := getString(input, "file_path"); ok {
			out["file_path"] = v
		}
		if v, ok := getString(input, "content"); ok {
			out["content"] = truncateWithEllipsis(v, toolInputTruncateLen)
		}
		return out

	case "Bash":
		out := map[string]any{}
		if v, ok := getString(input, "description"); ok {
			out["description"] = v
		}
		if v, ok := getString(input, "command"); ok {
			out["command"] = truncateWithEllipsis(firstLine(v), toolInputTruncateLen)
		}
		return out

	case "Glob", "Grep":
		out := map[string]any{}
		if v, ok := getString(input, "pattern"); ok {
			out["pattern"] = v
		}
		if v, ok := getString(input, "path"); ok {
			out["path"] = v
		}
		return out

	default:
		return truncateAnyStrings(input).(map[string]any)
	}
}

// truncateAnyStrings recursively walks a JSON-ish value, truncating any
// string longer than toolInputTruncateLen and passing non-strings through.
func truncateAnyStrings(v any) any {
	switch val := v.(type) {
	case string:
		return truncateWithEllipsis(val, toolInputTruncateLen)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = truncateAnyStrings(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = truncateAnyStrings(vv)
		}
		return out
	default:
		return val
	}
}

// SummarizeToolOutput truncates a tool's output/error string to the §4.3
// contract: strings at or below the limit pass through unchanged; longer
// strings are truncated with a trailing char-count note.
func SummarizeToolOutput(output string) string {
	if len(output) <= toolOutputTruncateLen {
		return output
	}
	truncated := output[:toolOutputTruncateLen]
	return truncated + "\n... (" + itoa(len(output)) + " chars total)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
