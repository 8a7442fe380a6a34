package pipeline

import "fmt"

// splitCommand splits a run command into argv parts using POSIX-ish shell
// word rules: whitespace separates words, single quotes preserve everything,
// double quotes preserve everything except backslash escapes. Run commands
// are never passed through a shell, so this is the only quoting layer.
func splitCommand(s string) ([]string, error) {
	var (
		parts   []string
		current []rune
		inWord  bool
	)

	flush := func() {
		if inWord {
			parts = append(parts, string(current))
			current = current[:0]
			inWord = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case ' ', '\t', '\n':
			flush()
		case '\'':
			inWord = true
			i++
			for ; i < len(runes) && runes[i] != '\''; i++ {
				current = append(current, runes[i])
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated single quote")
			}
		case '"':
			inWord = true
			i++
			for ; i < len(runes) && runes[i] != '"'; i++ {
				if runes[i] == '\\' && i+1 < len(runes) {
					next := runes[i+1]
					if next == '"' || next == '\\' || next == '$' {
						i++
						current = append(current, runes[i])
						continue
					}
				}
				current = append(current, runes[i])
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated double quote")
			}
		case '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("trailing backslash")
			}
			i++
			inWord = true
			current = append(current, runes[i])
		default:
			inWord = true
			current = append(current, c)
		}
	}
	flush()
	return parts, nil
}
