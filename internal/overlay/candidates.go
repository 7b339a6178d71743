package overlay

import (
	"regexp"
	"strings"
)

// The tables below are configuration data, not logic: they encode which
// foreign tool-naming conventions we know about and which live tool names
// plausibly replace them. Extending coverage means adding rows, the matching
// algorithm stays untouched.

type foreignMapping struct {
	name     string
	patterns []*regexp.Regexp
}

type keywordMapping struct {
	keywords []string
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// foreignTools maps known foreign tool names to live-name patterns. Matched
// exact-first, then substring, against the attempted name.
var foreignTools = []foreignMapping{
	{name: "shell", patterns: compile(`bash`, `shell`, `exec`, `command`, `\brun\b`)},
	{name: "local_shell", patterns: compile(`bash`, `shell`, `exec`, `command`)},
	{name: "exec_command", patterns: compile(`bash`, `shell`, `exec`, `command`)},
	{name: "apply_patch", patterns: compile(`edit`, `patch`, `write`)},
	{name: "update_plan", patterns: compile(`todo`, `plan`, `task`)},
	{name: "view_image", patterns: compile(`read`, `image`, `view`)},
	{name: "web_search", patterns: compile(`web`, `search`, `fetch`, `browse`)},
	{name: "grep", patterns: compile(`grep`, `find`, `search`, `glob`)},
	{name: "read_file", patterns: compile(`read`, `file`, `open`, `view`)},
	{name: "write_file", patterns: compile(`write`, `edit`, `create`)},
}

// keywordFallback kicks in when no foreignTools row matches: any keyword
// found inside the attempted name selects that row's pattern set.
var keywordFallback = []keywordMapping{
	{keywords: []string{"shell", "exec", "command", "bash", "terminal"},
		patterns: compile(`bash`, `shell`, `exec`, `command`, `\brun\b`)},
	{keywords: []string{"read", "file", "cat", "open", "view"},
		patterns: compile(`read`, `file`, `open`, `view`)},
	{keywords: []string{"write", "edit", "patch", "apply", "create"},
		patterns: compile(`write`, `edit`, `patch`, `create`)},
	{keywords: []string{"web", "search", "fetch", "browse", "url", "http"},
		patterns: compile(`web`, `search`, `fetch`, `browse`)},
	{keywords: []string{"grep", "find", "glob", "locate", "list"},
		patterns: compile(`grep`, `find`, `glob`, `search`, `list`)},
	{keywords: []string{"typecheck", "type-check", "diagnostic", "lint", "lsp", "check"},
		patterns: compile(`diagnostic`, `lint`, `check`, `lsp`)},
	{keywords: []string{"plan", "todo", "task"},
		patterns: compile(`todo`, `plan`, `task`)},
}

// foreignEquivalents is the static mapping table rendered into the compact
// overlay notice.
var foreignEquivalents = [][2]string{
	{"shell", "bash"},
	{"apply_patch", "edit"},
	{"update_plan", "todowrite"},
	{"view_image", "read"},
	{"web_search", "webfetch"},
}

// maxCandidates caps the suggested-replacement list in the escalated notice.
const maxCandidates = 8

// Candidates computes replacement suggestions for a failed tool name:
// foreign-table patterns first (exact then substring on the attempted name),
// keyword-driven patterns as fallback, intersected against the live tool
// list. Live-list order and at most maxCandidates entries are preserved.
func Candidates(attempted string, live []string) []string {
	patterns := patternsFor(attempted)
	if len(patterns) == 0 {
		return nil
	}
	var out []string
	for _, name := range live {
		if len(out) >= maxCandidates {
			break
		}
		for _, re := range patterns {
			if re.MatchString(name) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

func patternsFor(attempted string) []*regexp.Regexp {
	attempted = strings.ToLower(strings.TrimSpace(attempted))
	if attempted == "" {
		return nil
	}
	for _, m := range foreignTools {
		if attempted == m.name {
			return m.patterns
		}
	}
	for _, m := range foreignTools {
		if strings.Contains(attempted, m.name) {
			return m.patterns
		}
	}
	var merged []*regexp.Regexp
	for _, m := range keywordFallback {
		for _, kw := range m.keywords {
			if strings.Contains(attempted, kw) {
				merged = append(merged, m.patterns...)
				break
			}
		}
	}
	return merged
}
