package stream

import "strings"

// legacyBoilerplate is a status line older clients concatenated into stored reports.
const legacyBoilerplate = "Research started. Report will be updated.Research session started and saved."

// Normalize strips legacy boilerplate from report text before it is streamed.
func Normalize(report string) string {
	if !strings.Contains(report, legacyBoilerplate) {
		return report
	}
	return strings.TrimSpace(strings.ReplaceAll(report, legacyBoilerplate, ""))
}
