package roles

// Match reports whether name matches pattern. Patterns support two
// metacharacters: '*' matches any run of characters including the empty
// run, and '?' matches exactly one character. Everything else is literal,
// so regex-meaningful characters in tool names need no escaping.
func Match(pattern, name string) bool {
	// Iterative matcher with single-star backtracking.
	var (
		p, n         int
		starP, starN = -1, 0
	)
	for n < len(name) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == name[n]):
			p++
			n++
		case p < len(pattern) && pattern[p] == '*':
			starP = p
			starN = n
			p++
		case starP >= 0:
			// Backtrack: let the last '*' consume one more character.
			p = starP + 1
			starN++
			n = starN
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// MatchAny reports whether name matches any of the patterns.
func MatchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if Match(pattern, name) {
			return true
		}
	}
	return false
}
