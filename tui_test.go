package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"whisperdeck/backend"
	"whisperdeck/session"
	"whisperdeck/transcript"
)

type fakeController struct {
	canStart  bool
	starts    int
	stops     int
	aborts    int
	completed bool
	result    *session.Result
}

func (f *fakeController) Start() error {
	f.starts++
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.stops++
	return nil
}

func (f *fakeController) Abort()          { f.aborts++ }
func (f *fakeController) CanStart() bool  { return f.canStart }
func (f *fakeController) Completed() bool { return f.completed }
func (f *fakeController) ProceedToResults(context.Context) (*session.Result, error) {
	return f.result, nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestModel(ctrl controller, state *transcript.State) tuiModel {
	m := newTUIModel(ctrl, state, func() bool { return true }, 42, "fake")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(tuiModel)
}

func update(m tuiModel, msg tea.Msg) (tuiModel, tea.Cmd) {
	next, cmd := m.Update(msg)
	return next.(tuiModel), cmd
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		online    bool
		phase     session.State
		completed bool
		want      string
	}{
		{false, session.Idle, false, "waiting for server..."},
		{true, session.Idle, false, "press r to record"},
		{true, session.Capturing, false, "recording..."},
		{false, session.Capturing, false, "recording..."},
		{true, session.Finalizing, false, "processing..."},
		{true, session.Idle, true, "session saved"},
	}
	for _, tt := range tests {
		if got := statusText(tt.online, tt.phase, tt.completed); got != tt.want {
			t.Errorf("statusText(%v, %v, %v) = %q, want %q", tt.online, tt.phase, tt.completed, got, tt.want)
		}
	}
}

func TestRecordKeyRespectsCanStart(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl, transcript.NewState())

	if _, cmd := update(m, key("r")); cmd != nil {
		if msg := cmd(); msg != nil {
			t.Errorf("unexpected message %T", msg)
		}
	}
	if ctrl.starts != 0 {
		t.Fatal("started while start is disabled")
	}

	ctrl.canStart = true
	_, cmd := update(m, key("r"))
	if cmd == nil {
		t.Fatal("no start command")
	}
	runCmd(cmd)
	if ctrl.starts != 1 {
		t.Errorf("starts = %d, want 1", ctrl.starts)
	}
}

// runCmd executes a command and any batched children.
func runCmd(cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		for _, c := range batch {
			if c != nil {
				c()
			}
		}
	}
}

func TestStopAndAbortKeys(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl, transcript.NewState())

	m, _ = update(m, key("s"))
	if ctrl.stops != 0 {
		t.Error("stop while idle")
	}
	m, _ = update(m, SessionStateMsg{State: session.Capturing})
	m, _ = update(m, key("s"))
	if ctrl.stops != 1 {
		t.Errorf("stops = %d, want 1", ctrl.stops)
	}

	_, cmd := update(m, key("q"))
	if ctrl.aborts != 1 {
		t.Errorf("aborts = %d, want 1 when quitting mid-capture", ctrl.aborts)
	}
	if cmd == nil {
		t.Error("quit returned no command")
	}
}

// quits runs cmd and reports whether it asks the program to exit.
func quits(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	switch msg := cmd().(type) {
	case tea.QuitMsg:
		return true
	case tea.BatchMsg:
		for _, c := range msg {
			if quits(c) {
				return true
			}
		}
	}
	return false
}

func TestQuitWaitsForFinalize(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl, transcript.NewState())
	m, _ = update(m, SessionStateMsg{State: session.Finalizing})

	for _, k := range []string{"q", "ctrl+c"} {
		var cmd tea.Cmd
		m, cmd = update(m, key(k))
		if quits(cmd) {
			t.Fatalf("%s quit while finalizing", k)
		}
	}
	if ctrl.aborts != 0 {
		t.Errorf("aborts = %d, want 0", ctrl.aborts)
	}
	if !strings.Contains(m.View(), "exiting once the session is saved") {
		t.Error("pending exit not shown")
	}

	_, cmd := update(m, SessionStateMsg{State: session.Idle})
	if !quits(cmd) {
		t.Error("did not quit after finalize completed")
	}
}

func TestQuitWhenIdleExitsAtOnce(t *testing.T) {
	m := newTestModel(&fakeController{}, transcript.NewState())
	if _, cmd := update(m, key("q")); !quits(cmd) {
		t.Error("q did not quit while idle")
	}
}

func TestLanguageTabsWrap(t *testing.T) {
	m := newTestModel(&fakeController{}, transcript.NewState())
	for range transcript.Languages {
		m, _ = update(m, key("tab"))
	}
	if m.display() != transcript.Raw {
		t.Errorf("after a full cycle display = %s, want raw", m.display())
	}
	m, _ = update(m, key("shift+tab"))
	m, _ = update(m, key("left"))
	if m.display() != transcript.Japanese {
		t.Errorf("display = %s, want ja", m.display())
	}
	m, _ = update(m, key("3"))
	if m.display() != transcript.English {
		t.Errorf("display = %s, want en", m.display())
	}
}

func TestLiveTranscriptAndTermCard(t *testing.T) {
	state := transcript.NewState()
	m := newTestModel(&fakeController{}, state)

	state.Apply(transcript.Response{RawText: "hello", English: "hello", ProperNounsEnglish: "Go (a language)"})
	state.Apply(transcript.Response{RawText: "world", English: "world", ProperNounsEnglish: "Rust (another one)"})
	m, _ = update(m, TranscriptMsg{})

	view := m.View()
	if !strings.Contains(view, "hello") || !strings.Contains(view, "world") {
		t.Errorf("transcript missing from view:\n%s", view)
	}
	// raw display shows the English list
	if !strings.Contains(view, "1 / 2") || !strings.Contains(view, "Go") {
		t.Errorf("term card missing:\n%s", view)
	}
	m, _ = update(m, key("n"))
	if !strings.Contains(m.View(), "2 / 2") {
		t.Error("next term did not advance the counter")
	}
	m, _ = update(m, key("n"))
	if !strings.Contains(m.View(), "1 / 2") {
		t.Error("term navigation did not wrap")
	}
}

func TestResultsView(t *testing.T) {
	ctrl := &fakeController{
		completed: true,
		result: &session.Result{
			RecordID:   42,
			Transcript: backend.LangMap{"raw": json.RawMessage(`["final text"]`)},
			Term:       backend.LangMap{"en": json.RawMessage(`["Go (a language)", "Go (dup)", "Zig (systems)"]`)},
		},
	}
	m := newTestModel(ctrl, transcript.NewState())
	m, _ = update(m, CompletedMsg{Result: ctrl.result})

	m, cmd := update(m, key("enter"))
	if cmd == nil || !m.waiting {
		t.Fatal("enter did not request results")
	}
	var res ResultsMsg
	for _, c := range []tea.Cmd{cmd} {
		msg := c()
		if batch, ok := msg.(tea.BatchMsg); ok {
			for _, bc := range batch {
				if bc == nil {
					continue
				}
				if r, ok := bc().(ResultsMsg); ok {
					res = r
				}
			}
		} else if r, ok := msg.(ResultsMsg); ok {
			res = r
		}
	}
	if res.Result == nil {
		t.Fatal("no results message")
	}
	m, _ = update(m, res)
	if m.view != viewResults {
		t.Fatal("results view not shown")
	}
	view := m.View()
	if !strings.Contains(view, "final text") {
		t.Errorf("persisted transcript missing:\n%s", view)
	}
	if !strings.Contains(view, "1 / 2") {
		t.Errorf("duplicate term not deduplicated:\n%s", view)
	}
}

func TestResultTerms(t *testing.T) {
	terms := resultTerms(backend.LangMap{
		"zh": json.RawMessage(`["北京 (首都)", "no parens", "北京 (again)"]`),
	})
	if n := terms[transcript.Chinese].Len(); n != 1 {
		t.Errorf("zh terms = %d, want 1", n)
	}
	if n := terms[transcript.German].Len(); n != 0 {
		t.Errorf("de terms = %d, want 0", n)
	}
}
