package builtin

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Content models understood by the wiki editing tools.
const (
	ContentModelCSS      = "sanitized-css"
	ContentModelWikitext = "wikitext"
	ContentModelLua      = "Scribunto"
)

const (
	SectionAll = "all"
	SectionNew = "new"
)

var (
	controlWhitespace = regexp.MustCompile(`[\n\r\t]+`)
	betweenTags       = regexp.MustCompile(`>\s+<`)
	repeatedSpace     = regexp.MustCompile(`\s{2,}`)
)

// ResolveContentModel returns explicit when set, otherwise the model implied
// by the page title.
func ResolveContentModel(title, explicit string) string {
	switch {
	case explicit != "":
		return explicit
	case strings.HasSuffix(title, "styles.css"):
		return ContentModelCSS
	case strings.HasPrefix(title, "Module:"):
		return ContentModelLua
	default:
		return ContentModelWikitext
	}
}

// NeedsMinify reports whether the content of a page is HTML that must be
// collapsed onto one line. Templates are transcluded inline, so stray line
// breaks in their markup turn into paragraphs.
func NeedsMinify(title, model string) bool {
	return model == ContentModelWikitext && strings.HasPrefix(title, "Template:")
}

// MinifyHTML drops line breaks and tabs, whitespace between tags, and
// collapses remaining runs of whitespace into one space.
func MinifyHTML(s string) string {
	s = controlWhitespace.ReplaceAllString(s, "")
	s = betweenTags.ReplaceAllString(s, "><")
	s = strings.TrimSpace(s)
	return repeatedSpace.ReplaceAllString(s, " ")
}

// resolveSection maps the section argument of edit-page to the section
// parameter of update-page. ok is false when the parameter must be omitted,
// which edits the whole page.
func resolveSection(section string) (any, bool) {
	switch section {
	case "", SectionAll:
		return nil, false
	case SectionNew:
		return SectionNew, true
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(section), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, false
	}
	if n == math.Trunc(n) {
		return int(n), true
	}
	return n, true
}
