package transcript

// Lang is a display language key.
type Lang string

const (
	Raw      Lang = "raw"
	Chinese  Lang = "zh"
	English  Lang = "en"
	Japanese Lang = "ja"
	German   Lang = "de"
)

// Languages is the display selector order.
var Languages = []Lang{Raw, Chinese, English, Japanese, German}

// TermLanguages are the languages that carry their own term list.
var TermLanguages = []Lang{Chinese, English, Japanese, German}

var labels = map[Lang]string{
	Raw:      "原文",
	Chinese:  "中文",
	English:  "English",
	Japanese: "日本語",
	German:   "Deutsch",
}

var termLabels = map[Lang]string{
	Chinese:  "專有名詞",
	English:  "Proper noun",
	Japanese: "こゆうめいし",
	German:   "Eigenname",
}

// termListFor maps every display language to the term list it navigates.
// Raw text has no terms of its own and shows the English list.
var termListFor = map[Lang]Lang{
	Raw:      English,
	Chinese:  Chinese,
	English:  English,
	Japanese: Japanese,
	German:   German,
}

func (l Lang) Label() string {
	if s, ok := labels[l]; ok {
		return s
	}
	return string(l)
}

// TermLabel is the heading of the term card for display language l.
func (l Lang) TermLabel() string {
	if k, ok := TermKey(l); ok {
		return termLabels[k]
	}
	return ""
}

// TermKey returns the term-list key for a display language. ok is false for
// keys outside Languages.
func TermKey(display Lang) (Lang, bool) {
	k, ok := termListFor[display]
	return k, ok
}

// ParseLang accepts a key ("en") or a label ("English").
func ParseLang(s string) (Lang, bool) {
	for _, l := range Languages {
		if s == string(l) || s == labels[l] {
			return l, true
		}
	}
	return "", false
}
