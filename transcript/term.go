package transcript

import (
	"fmt"
	"regexp"
	"strings"
)

type Term struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

var termPattern = regexp.MustCompile(`^(.+?)\s*\((.+?)\)$`)

// ParseTerm splits "Title (description)". Strings without a trailing
// parenthesised group, or blank ones, yield no term.
func ParseTerm(s string) (Term, bool) {
	m := termPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Term{}, false
	}
	return Term{Title: m[1], Description: m[2]}, true
}

// TermList keeps unique terms by exact title, first occurrence wins, plus a
// wraparound cursor. It is not safe for concurrent use; State guards it.
type TermList struct {
	entries []Term
	titles  map[string]struct{}
	cursor  int
}

func NewTermList() *TermList {
	return &TermList{titles: make(map[string]struct{})}
}

// Add appends t unless a term with the same title exists.
func (l *TermList) Add(t Term) bool {
	if _, dup := l.titles[t.Title]; dup {
		return false
	}
	l.titles[t.Title] = struct{}{}
	l.entries = append(l.entries, t)
	return true
}

func (l *TermList) Len() int { return len(l.entries) }

func (l *TermList) Index() int { return l.cursor }

func (l *TermList) Entries() []Term {
	return append([]Term(nil), l.entries...)
}

func (l *TermList) Current() (Term, bool) {
	if len(l.entries) == 0 {
		return Term{}, false
	}
	return l.entries[l.cursor], true
}

func (l *TermList) Next() {
	if n := len(l.entries); n > 0 {
		l.cursor = (l.cursor + 1) % n
	}
}

func (l *TermList) Previous() {
	if n := len(l.entries); n > 0 {
		l.cursor = (l.cursor - 1 + n) % n
	}
}

// Counter renders the cursor as "i / n", or "0 / 0" when empty.
func (l *TermList) Counter() string {
	if len(l.entries) == 0 {
		return "0 / 0"
	}
	return fmt.Sprintf("%d / %d", l.cursor+1, len(l.entries))
}
