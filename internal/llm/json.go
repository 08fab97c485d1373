package llm

// ExtractFirstJSON attempts to find the first top-level JSON object in a
// string. Models often wrap JSON answers in prose or markdown fences; callers
// unmarshal the returned slice and fall back when that fails.
func ExtractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
