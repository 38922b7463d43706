package conversation

// truncateContent bounds observation text to roughly max characters by
// keeping the head and tail halves with a notice in between. A max of zero
// disables truncation.
func truncateContent(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	half := max / 2
	return s[:half] + truncationNotice + s[len(s)-half:]
}
