package adbshell

// Chunk partitions args into groups whose cumulative character length
// (token lengths summed, separators not counted) stays within limit. A
// single token longer than limit is placed alone in its own chunk rather
// than split. Token order is preserved both within and across chunks
// (an established invariant: never split an individual argument).
func Chunk(args []string, limit int) [][]string {
	if len(args) == 0 {
		return nil
	}

	var chunks [][]string

	var current []string

	currentLen := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentLen = 0
		}
	}

	for _, a := range args {
		if len(current) > 0 && currentLen+len(a) > limit {
			flush()
		}

		current = append(current, a)
		currentLen += len(a)

		if len(current) == 1 && currentLen > limit {
			// Oversized singleton: it can never fit alongside anything
			// else, so it gets its own chunk immediately.
			flush()
		}
	}

	flush()

	return chunks
}
