package systemprompt

import (
	"regexp"
	"strings"
)

var (
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	headingLineRe = regexp.MustCompile(`^(#{1,6})[ \t]+(.*)$`)
	modeHeadingRe = regexp.MustCompile(`(?i)^mode:\s*(.+)$`)
	modelHeadingRe = regexp.MustCompile(`(?i)^model:\s*(.+)$`)
)

// scopedSection is a Mode:/Model: heading and the body text up to (but not
// including) the next heading of the same or higher level.
type scopedSection struct {
	name string // the text after "Mode:"/"Model:", trimmed
	body string
}

type heading struct {
	level int
	title string
	start int // line index of the heading line itself
}

// stripHTMLComments removes HTML comments before any section processing, as
// required so a commented-out scoped section never accidentally matches.
func stripHTMLComments(text string) string {
	return htmlCommentRe.ReplaceAllString(text, "")
}

// extractSections finds every Mode:/Model: scoped heading in text, returning
// the mode sections, the model sections (each in document order), and the
// text with those sections (heading line plus body) removed.
func extractSections(text string) (stripped string, modes, models []scopedSection) {
	lines := strings.Split(text, "\n")

	var headings []heading
	for i, line := range lines {
		if m := headingLineRe.FindStringSubmatch(line); m != nil {
			headings = append(headings, heading{level: len(m[1]), title: strings.TrimSpace(m[2]), start: i})
		}
	}

	var removeRanges [][2]int
	for idx, h := range headings {
		end := len(lines)
		for j := idx + 1; j < len(headings); j++ {
			if headings[j].level <= h.level {
				end = headings[j].start
				break
			}
		}

		var name, kind string
		if m := modeHeadingRe.FindStringSubmatch(h.title); m != nil {
			name, kind = strings.TrimSpace(m[1]), "mode"
		} else if m := modelHeadingRe.FindStringSubmatch(h.title); m != nil {
			name, kind = strings.TrimSpace(m[1]), "model"
		} else {
			continue
		}

		body := strings.TrimSpace(strings.Join(lines[h.start+1:end], "\n"))
		sec := scopedSection{name: name, body: body}
		switch kind {
		case "mode":
			modes = append(modes, sec)
		case "model":
			models = append(models, sec)
		}
		removeRanges = append(removeRanges, [2]int{h.start, end})
	}

	stripped = strings.TrimSpace(removeLineRanges(lines, removeRanges))
	return stripped, modes, models
}

// removeLineRanges returns lines with every [start,end) line range (as
// produced by extractSections) omitted.
func removeLineRanges(lines []string, ranges [][2]int) string {
	if len(ranges) == 0 {
		return strings.Join(lines, "\n")
	}
	removed := make([]bool, len(lines))
	for _, r := range ranges {
		for i := r[0]; i < r[1] && i < len(lines); i++ {
			removed[i] = true
		}
	}
	var out []string
	for i, line := range lines {
		if !removed[i] {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// findMatchingMode returns the first mode section (context sections first,
// then global) whose name case-insensitively equals modeName.
func findMatchingMode(contextSections, globalSections []scopedSection, modeName string) (scopedSection, bool) {
	for _, s := range append(append([]scopedSection{}, contextSections...), globalSections...) {
		if strings.EqualFold(s.name, modeName) {
			return s, true
		}
	}
	return scopedSection{}, false
}

// findMatchingModel returns the first model section (context sections
// first, then global) whose name — a regex, optionally `/pattern/flags` —
// matches modelID. Invalid regexes are skipped rather than erroring.
func findMatchingModel(contextSections, globalSections []scopedSection, modelID string) (scopedSection, bool) {
	for _, s := range append(append([]scopedSection{}, contextSections...), globalSections...) {
		re := compileModelPattern(s.name)
		if re == nil {
			continue
		}
		if re.MatchString(modelID) {
			return s, true
		}
	}
	return scopedSection{}, false
}

// compileModelPattern parses a `Model:` heading name into a regexp. Supports
// a bare pattern, or `/pattern/flags` where flags is currently limited to
// `i` (case-insensitive) — the only flag a real model identifier would ever
// need. Returns nil (not an error) for an unparsable or invalid pattern.
func compileModelPattern(spec string) *regexp.Regexp {
	pattern := spec
	if len(spec) >= 2 && spec[0] == '/' {
		if lastSlash := strings.LastIndex(spec, "/"); lastSlash > 0 {
			pattern = spec[1:lastSlash]
			flags := spec[lastSlash+1:]
			if strings.Contains(flags, "i") {
				pattern = "(?i)" + pattern
			}
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}
