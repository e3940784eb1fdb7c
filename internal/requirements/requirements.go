// Package requirements splits generated user-story text into requirement items and checks their structure before
// anything is published as a ticket.
package requirements

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// PreviewLength bounds the requirement excerpts shown in findings and used as ticket titles
const PreviewLength = 120

var (
	// A role declaration at the start of a line, optionally behind list bullets, headings or bold markers
	roleMarker = regexp.MustCompile(`(?im)^[ \t>#*_\-]*(as an?|como um)\b`)
	// Looser match used when checking an item for a role clause anywhere in its text
	roleClause  = regexp.MustCompile(`(?i)\b(as an?|como um)\b`)
	wantClause  = regexp.MustCompile(`(?i)(?:i want|eu quero)[\s:\-]*\**[\s:]*(.+)`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	roleText    = regexp.MustCompile(`(?i)\b(?:as an?|como um)\b[\s:*_]*([^,\n]+?)(?:,|\n|\s+(?:i want|eu quero)\b|$)`)
	reasonText  = regexp.MustCompile(`(?i)\b(?:so that|para que)\b[\s:*_]*([^\n]+)`)
	reasonCut   = regexp.MustCompile(`(?i),?\s*\**\b(?:so that|para que)\b`)
	bullet      = regexp.MustCompile(`^([ \t]*)(?:[-*+]|\d+[.)])[ \t]+`)
	acceptances = []string{
		"acceptance criteria",
		"acceptance criterion",
		"critérios de aceite",
		"critério de aceite",
		"criterios de aceite",
		"criterio de aceite",
	}
)

// Normalize tidies analyst output: unified line endings, no surrounding whitespace, at most one blank line in a row
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)
	return blankLines.ReplaceAllString(text, "\n\n")
}

// Split divides requirements text into one item per user story. Each item begins at a role declaration. Text before
// the first role declaration is preamble and is dropped, unless the text has no role declaration at all, in which case
// the whole text is a single item. A bulleted role declaration inside an item's acceptance criteria is a criterion,
// not a new item
func Split(text string) []string {
	text = Normalize(text)
	if text == "" {
		return nil
	}

	starts := itemStarts(text)
	if len(starts) == 0 {
		return []string{text}
	}

	items := make([]string, 0, len(starts))
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		item := strings.TrimSpace(text[start:end])
		item = strings.TrimSpace(strings.TrimSuffix(item, "---"))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

func itemStarts(text string) []int {
	var starts []int
	for _, loc := range roleMarker.FindAllStringIndex(text, -1) {
		if len(starts) > 0 && isCriterion(text, starts[len(starts)-1], loc[0]) {
			continue
		}
		starts = append(starts, loc[0])
	}
	return starts
}

// isCriterion reports whether the line at pos is a bullet inside the acceptance criteria of the item starting at
// start. When the item itself opens with a bullet, only deeper bullets count as criteria
func isCriterion(text string, start int, pos int) bool {
	indent, ok := bulletIndent(lineAt(text, pos))
	if !ok || !hasAcceptanceCriteria(text[start:pos]) {
		return false
	}
	itemIndent, itemBulleted := bulletIndent(lineAt(text, start))
	return !itemBulleted || indent > itemIndent
}

func bulletIndent(l string) (int, bool) {
	m := bullet.FindStringSubmatch(l)
	if m == nil {
		return 0, false
	}
	return len(m[1]), true
}

func lineAt(text string, pos int) string {
	if end := strings.IndexByte(text[pos:], '\n'); end >= 0 {
		return text[pos : pos+end]
	}
	return text[pos:]
}

// Finding is a structural defect reported against one requirement item
type Finding struct {
	Excerpt                   string `json:"requirementExcerpt"`
	MissingRoleClause         bool   `json:"missingRoleClause"`
	MissingAcceptanceCriteria bool   `json:"missingAcceptanceCriteria"`
}

// Validate checks every item of the requirements text and returns one finding per item that fails at least one check.
// Text with no items at all is reported as a single finding with both checks failed
func Validate(text string) []Finding {
	items := Split(text)
	if len(items) == 0 {
		return []Finding{{
			Excerpt:                   Excerpt(text),
			MissingRoleClause:         true,
			MissingAcceptanceCriteria: true,
		}}
	}

	var findings []Finding
	for _, item := range items {
		f := check(item)
		if f.MissingRoleClause || f.MissingAcceptanceCriteria {
			findings = append(findings, f)
		}
	}
	return findings
}

func check(item string) Finding {
	return Finding{
		Excerpt:                   Excerpt(item),
		MissingRoleClause:         !roleClause.MatchString(item),
		MissingAcceptanceCriteria: !hasAcceptanceCriteria(item),
	}
}

func hasAcceptanceCriteria(item string) bool {
	lower := strings.ToLower(item)
	for _, marker := range acceptances {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Excerpt truncates text to PreviewLength runes, marking the cut with an ellipsis
func Excerpt(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:PreviewLength])) + "..."
}

// ExtractTitle derives a short ticket title from a requirement item: the "I want" clause if there is one, otherwise
// the first non-empty line
func ExtractTitle(item string) string {
	if m := wantClause.FindStringSubmatch(item); m != nil {
		line := strings.SplitN(m[1], "\n", 2)[0]
		line = strings.Trim(strings.TrimSpace(line), "*_ ")
		if line != "" {
			return truncate(line)
		}
	}
	for _, line := range strings.Split(item, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "*_#> ")
		if line != "" {
			return truncate(line)
		}
	}
	return "Untitled requirement"
}

// Parts holds the labeled pieces of one requirement item
type Parts struct {
	Role     string
	Want     string
	Reason   string
	Criteria []string
}

// Parse picks the role, the capability, the benefit and the acceptance criteria out of a requirement item. Pieces that
// are not there are left empty. Criteria are the bulleted lines after the acceptance criteria heading, or the text
// following the heading on the same line
func Parse(item string) Parts {
	var p Parts
	if m := roleText.FindStringSubmatch(item); m != nil {
		p.Role = clean(m[1])
	}
	if m := wantClause.FindStringSubmatch(item); m != nil {
		want := strings.SplitN(m[1], "\n", 2)[0]
		if loc := reasonCut.FindStringIndex(want); loc != nil {
			want = want[:loc[0]]
		}
		p.Want = clean(want)
	}
	if m := reasonText.FindStringSubmatch(item); m != nil {
		p.Reason = clean(m[1])
	}
	p.Criteria = criteria(item)
	return p
}

func criteria(item string) []string {
	var list []string
	inBlock := false
	for _, l := range strings.Split(item, "\n") {
		if !inBlock {
			if !hasAcceptanceCriteria(l) {
				continue
			}
			inBlock = true
			// Anything after the heading on the same line is a criterion of its own
			if _, rest, ok := strings.Cut(l, ":"); ok {
				if c := clean(rest); c != "" {
					list = append(list, c)
				}
			}
			continue
		}
		if loc := bullet.FindStringIndex(l); loc != nil {
			if c := clean(l[loc[1]:]); c != "" {
				list = append(list, c)
			}
		}
	}
	return list
}

func clean(s string) string {
	return strings.Trim(strings.TrimSpace(s), "*_:. ")
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) > PreviewLength {
		return string(runes[:PreviewLength])
	}
	return s
}
