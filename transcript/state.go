package transcript

import (
	"strings"
	"sync"
)

// Response is the transcription_response payload. Every field is a string
// and may be empty.
type Response struct {
	Type                string `json:"type"`
	RawText             string `json:"raw_text"`
	Chinese             string `json:"chinese"`
	English             string `json:"english"`
	Japanese            string `json:"japanese"`
	German              string `json:"german"`
	ProperNounsChinese  string `json:"proper_nouns_chinese"`
	ProperNounsEnglish  string `json:"proper_nouns_english"`
	ProperNounsJapanese string `json:"proper_nouns_japanese"`
	ProperNounsGerman   string `json:"proper_nouns_german"`
}

func (r Response) Text(l Lang) string {
	switch l {
	case Raw:
		return r.RawText
	case Chinese:
		return r.Chinese
	case English:
		return r.English
	case Japanese:
		return r.Japanese
	case German:
		return r.German
	}
	return ""
}

func (r Response) ProperNoun(l Lang) string {
	switch l {
	case Chinese:
		return r.ProperNounsChinese
	case English:
		return r.ProperNounsEnglish
	case Japanese:
		return r.ProperNounsJapanese
	case German:
		return r.ProperNounsGerman
	}
	return ""
}

// State holds one session's transcripts and term lists. Text only grows;
// Reset is the only way to clear it.
type State struct {
	mu     sync.RWMutex
	text   map[Lang]*strings.Builder
	terms  map[Lang]*TermList
	events int
}

func NewState() *State {
	s := &State{}
	s.reset()
	return s
}

func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *State) reset() {
	s.text = make(map[Lang]*strings.Builder, len(Languages))
	for _, l := range Languages {
		s.text[l] = &strings.Builder{}
	}
	s.terms = make(map[Lang]*TermList, len(TermLanguages))
	for _, l := range TermLanguages {
		s.terms[l] = NewTermList()
	}
	s.events = 0
}

// Apply folds one response into the state. Each language gets "\n"+value
// even when the value is empty, so every event adds exactly one line.
func (s *State) Apply(r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range Languages {
		b := s.text[l]
		b.WriteByte('\n')
		b.WriteString(r.Text(l))
	}
	for _, l := range TermLanguages {
		if t, ok := ParseTerm(r.ProperNoun(l)); ok {
			s.terms[l].Add(t)
		}
	}
	s.events++
}

func (s *State) Text(l Lang) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.text[l]; ok {
		return b.String()
	}
	return ""
}

// Events is the number of responses applied since the last Reset.
func (s *State) Events() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

func (s *State) list(display Lang) *TermList {
	k, ok := TermKey(display)
	if !ok {
		return nil
	}
	return s.terms[k]
}

// Terms returns the term list shown for display language l.
func (s *State) Terms(display Lang) []Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l := s.list(display); l != nil {
		return l.Entries()
	}
	return nil
}

func (s *State) CurrentTerm(display Lang) (Term, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l := s.list(display); l != nil {
		return l.Current()
	}
	return Term{}, false
}

func (s *State) NextTerm(display Lang) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.list(display); l != nil {
		l.Next()
	}
}

func (s *State) PreviousTerm(display Lang) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.list(display); l != nil {
		l.Previous()
	}
}

func (s *State) TermCounter(display Lang) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l := s.list(display); l != nil {
		return l.Counter()
	}
	return "0 / 0"
}
