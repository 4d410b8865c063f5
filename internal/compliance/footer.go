package compliance

import "strings"

// DefaultFooter is used when an account has not configured its own disclosure.
const DefaultFooter = "Reply STOP to opt out."

// FooterText returns the account footer or the default.
func FooterText(configured string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	return DefaultFooter
}

// HasFooter reports whether body already carries the footer text.
func HasFooter(body, footer string) bool {
	footer = strings.TrimSpace(footer)
	if footer == "" {
		return false
	}
	return strings.Contains(strings.ToLower(body), strings.ToLower(footer))
}

// EnsureFooter appends the footer on its own line when it is missing.
func EnsureFooter(body, footer string) string {
	footer = FooterText(footer)
	if HasFooter(body, footer) {
		return body
	}
	body = strings.TrimRight(body, " \n")
	if body == "" {
		return footer
	}
	return body + "\n" + footer
}
