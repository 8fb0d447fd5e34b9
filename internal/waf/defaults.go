package waf

// DefaultRules is the built-in rule table used when the repository has no
// patterns configured. IDs are stable so operators can disable individual
// rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "xss-script-tag",
			Name:     "XSS script tag",
			Pattern:  `<\s*script[^>]*>`,
			Severity: SeverityCritical,
			Action:   ActionBlock,
			Enabled:  true,
		},
		{
			ID:       "xss-event-handler",
			Name:     "XSS inline event handler",
			Pattern:  `on(error|load|click|mouseover)\s*=`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
			Enabled:  true,
		},
		{
			ID:       "sqli-union-select",
			Name:     "SQL injection union select",
			Pattern:  `union(\s|\+|/\*.*\*/)+select`,
			Severity: SeverityCritical,
			Action:   ActionBlock,
			Enabled:  true,
		},
		{
			ID:       "sqli-boolean",
			Name:     "SQL injection boolean tautology",
			Pattern:  `('|")\s*(or|and)\s*('|")?\s*\d+\s*=\s*\d+`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
			Enabled:  true,
		},
		{
			ID:       "sqli-comment",
			Name:     "SQL injection trailing comment",
			Pattern:  `(--|#|/\*)\s*$`,
			Severity: SeverityMedium,
			Action:   ActionLog,
			Enabled:  true,
		},
		{
			ID:       "path-traversal",
			Name:     "Path traversal",
			Pattern:  `(\.\./|\.\.\\|%2e%2e%2f)`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
			Enabled:  true,
		},
		{
			ID:       "cmd-injection",
			Name:     "Command injection",
			Pattern:  `(;|\|\||&&)\s*(cat|ls|wget|curl|bash|sh|nc)\b`,
			Severity: SeverityCritical,
			Action:   ActionBlock,
			Enabled:  true,
		},
		{
			ID:       "scanner-user-agent",
			Name:     "Known scanner user agent",
			Pattern:  `(sqlmap|nikto|nmap|masscan|dirbuster|gobuster)`,
			Severity: SeverityMedium,
			Action:   ActionChallenge,
			Enabled:  true,
		},
		{
			ID:       "null-byte",
			Name:     "Null byte injection",
			Pattern:  `%00`,
			Severity: SeverityMedium,
			Action:   ActionLog,
			Enabled:  true,
		},
	}
}
