// Package content screens text fetched from the outside world before it is
// handed to an agent. HTML is stripped (including script and style bodies),
// whitespace is collapsed, and the cleaned text is scanned against a fixed
// set of suspicious-content signatures. Flags are advisory: the sanitized
// text is always returned and the caller decides what a flag means.
package content

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Flags raised by Guard.
const (
	FlagPromptInjection   = "prompt_injection"
	FlagEnvExfiltration   = "env_exfiltration"
	FlagDangerousCommand  = "dangerous_command"
	FlagCredentialRequest = "credential_request"
)

// Result carries the sanitized text and any signature matches.
type Result struct {
	Sanitized string   `json:"sanitized"`
	Flags     []string `json:"flags,omitempty"`
}

var (
	stripper = bluemonday.StrictPolicy()

	// Script and style bodies survive tag stripping, so they go first.
	scriptRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	spaceRe  = regexp.MustCompile(`\s+`)

	signatures = []struct {
		flag string
		re   *regexp.Regexp
	}{
		{FlagPromptInjection, regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|context)`)},
		{FlagPromptInjection, regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`)},
		{FlagPromptInjection, regexp.MustCompile(`(?i)(new|system)\s+instructions?\s*:`)},
		{FlagEnvExfiltration, regexp.MustCompile(`(?i)(print|echo|cat|send|output|reveal)\b.{0,40}(env(ironment)?\s+variables?|\$[A-Z_]{4,}|/proc/self/environ|\.env\b)`)},
		{FlagDangerousCommand, regexp.MustCompile(`(?i)\b(rm\s+-rf|mkfs\.|dd\s+if=|chmod\s+777|curl\s+[^\s]+\s*\|\s*(ba)?sh|wget\s+[^\s]+\s*\|\s*(ba)?sh)`)},
		{FlagCredentialRequest, regexp.MustCompile(`(?i)(enter|provide|paste|share|confirm)\b.{0,40}\b(password|passphrase|api\s*key|secret\s*key|access\s*token|private\s*key|credentials)`)},
	}
)

// Guard sanitizes raw text and scans it for suspicious signatures. No match
// means empty flags, never an error.
func Guard(raw string) Result {
	cleaned := scriptRe.ReplaceAllString(raw, " ")
	cleaned = styleRe.ReplaceAllString(cleaned, " ")
	cleaned = stripper.Sanitize(cleaned)
	cleaned = strings.TrimSpace(spaceRe.ReplaceAllString(cleaned, " "))

	var flags []string
	seen := map[string]bool{}
	for _, sig := range signatures {
		if seen[sig.flag] {
			continue
		}
		if sig.re.MatchString(cleaned) {
			flags = append(flags, sig.flag)
			seen[sig.flag] = true
		}
	}
	return Result{Sanitized: cleaned, Flags: flags}
}
