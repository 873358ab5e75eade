// SPDX-License-Identifier: MIT

package notify

import (
	"fmt"
	"regexp"
)

var tokenRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render substitutes {{key}} tokens from vars. Tokens with no matching
// variable are stripped rather than leaked to recipients.
func Render(tmpl string, vars map[string]any) string {
	return tokenRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := tokenRe.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// Default templates used when the store has no row for (name, channel).
var defaultTemplates = map[string]struct{ subject, body string }{
	"scan_failed": {
		subject: "[SiteWarden] Scan failed for {{website_name}}",
		body:    "The security scan for {{website_name}} ({{website_url}}) failed: {{error_summary}}. Consecutive failures: {{consecutive_failures}}.",
	},
	"escalation": {
		subject: "[SiteWarden] Level {{level}} alert for {{website_name}}",
		body:    "{{website_name}} ({{website_url}}) escalated to level {{level}}: {{reason}}.",
	},
	"escalation_resolved": {
		subject: "[SiteWarden] Resolved: {{website_name}} is healthy again",
		body:    "{{website_name}} ({{website_url}}) completed a clean scan. Alert resolved: {{reason}}.",
	},
	"resource_alert": {
		subject: "[SiteWarden] Resource pressure: {{level}}",
		body:    "Scheduler host under pressure ({{level}}): {{breaches}}. Recommendations: {{recommendations}}.",
	},
}
