package backend

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLen = 50
	MaxInfoLen  = 1000
)

// LangMap holds per-language values keyed by "raw", "zh", "en", "ja", "de".
// Values are whatever the inference service produced: a string or a list.
type LangMap map[string]json.RawMessage

// Lines flattens the value for lang into display lines.
func (m LangMap) Lines(lang string) []string {
	raw, ok := m[lang]
	if !ok || len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.Split(strings.Trim(s, "\n"), "\n")
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, v := range list {
			switch v := v.(type) {
			case string:
				out = append(out, v)
			default:
				b, _ := json.Marshal(v)
				out = append(out, string(b))
			}
		}
		return out
	}
	return []string{string(raw)}
}

type Record struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Info         string    `json:"info"`
	UploadedDate time.Time `json:"uploaded_date"`
	Transcript   LangMap   `json:"transcript"`
	Term         LangMap   `json:"term"`
}

// UnmarshalJSON accepts uploaded_date with or without a zone, as the
// service stores naive timestamps.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct {
		*alias
		UploadedDate string `json:"uploaded_date"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.UploadedDate == "" {
		r.UploadedDate = time.Time{}
		return nil
	}
	t, err := ParseDate(aux.UploadedDate)
	if err != nil {
		return err
	}
	r.UploadedDate = t
	return nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// NewRecord is the body of a create call.
type NewRecord struct {
	Title string `json:"title"`
	Info  string `json:"info"`
}

func (n NewRecord) Validate() error {
	if err := checkLen("title", n.Title, MaxTitleLen); err != nil {
		return err
	}
	return checkLen("info", n.Info, MaxInfoLen)
}

// RecordUpdate is a partial update. Nil fields are left unchanged.
type RecordUpdate struct {
	ID         int64   `json:"-"`
	Title      *string `json:"title,omitempty"`
	Info       *string `json:"info,omitempty"`
	Transcript LangMap `json:"transcript,omitempty"`
	Term       LangMap `json:"term,omitempty"`
}

func (u RecordUpdate) Validate() error {
	if u.ID <= 0 {
		return fmt.Errorf("invalid record id %d", u.ID)
	}
	if u.Title != nil {
		if err := checkLen("title", *u.Title, MaxTitleLen); err != nil {
			return err
		}
	}
	if u.Info != nil {
		if err := checkLen("info", *u.Info, MaxInfoLen); err != nil {
			return err
		}
	}
	return nil
}

func (u RecordUpdate) Empty() bool {
	return u.Title == nil && u.Info == nil && u.Transcript == nil && u.Term == nil
}

func checkLen(field, v string, max int) error {
	n := utf8.RuneCountInString(v)
	if n < 1 || n > max {
		return fmt.Errorf("%s must be 1..%d characters, got %d", field, max, n)
	}
	return nil
}

// SearchQuery filters records. Dates bound uploaded_date inclusively and
// are ANDed; the text filters are ORed together.
type SearchQuery struct {
	StartDate  string
	EndDate    string
	Title      string
	Info       string
	Term       string
	Transcript string
}

func (q SearchQuery) HasText() bool {
	return q.Title != "" || q.Info != "" || q.Term != "" || q.Transcript != ""
}
