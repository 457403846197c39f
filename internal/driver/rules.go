package driver

import "regexp"

// Rule pairs a prompt pattern with the canned response written to the
// process when the pattern matches the recent output window.
type Rule struct {
	Pattern  *regexp.Regexp
	Response string
}

// DefaultRules is evaluated in order; the first match wins. The last two
// entries are the generic "looks like a question" fallback, which answers
// affirmatively. Keep specific prompts above the fallback.
func DefaultRules() []Rule {
	return []Rule{
		{regexp.MustCompile(`(?i)\(y/n\)`), "y\n"},
		{regexp.MustCompile(`\[Y/n\]`), "Y\n"},
		{regexp.MustCompile(`\[y/N\]`), "y\n"},
		{regexp.MustCompile(`(?i)\(yes/no\)`), "yes\n"},
		{regexp.MustCompile(`(?i)continue\?`), "y\n"},
		{regexp.MustCompile(`(?i)proceed\?`), "y\n"},
		{regexp.MustCompile(`(?i)press enter( to continue)?`), "\n"},
		{regexp.MustCompile(`(?i)(are you sure|do you want|would you like|confirm)[^?]*\?\s*$`), "y\n"},
		{regexp.MustCompile(`\?\s*$`), "y\n"},
	}
}

// Match returns the first rule whose pattern matches the window.
func Match(rules []Rule, window string) (Rule, bool) {
	for _, rule := range rules {
		if rule.Pattern.MatchString(window) {
			return rule, true
		}
	}
	return Rule{}, false
}
