package main

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"whisperdeck/backend"
	"whisperdeck/beep"
	"whisperdeck/clipboard"
	"whisperdeck/log"
	"whisperdeck/session"
	"whisperdeck/transcript"
)

// TUI message types
type ConnStateMsg struct{ Connected bool }
type ChannelClosedMsg struct{ Err error }
type SessionStateMsg struct{ State session.State }
type ElapsedMsg struct{ Elapsed time.Duration }
type AudioLevelMsg struct{ Level float64 }
type NoVoiceMsg struct{ Active bool }
type ChunkMsg struct {
	Bytes int
	Sent  bool
}
type StageMsg struct{ Stage session.Stage }
type FailedMsg struct{ Failure *session.Failure }
type CompletedMsg struct{ Result *session.Result }
type TranscriptMsg struct{}
type ServerErrorMsg struct{ Text string }
type ResultsMsg struct {
	Result *session.Result
	Err    error
}
type startErrMsg struct{ Err error }

type tuiView int

const (
	viewRecording tuiView = iota
	viewResults
)

// controller is what the TUI drives.
type controller interface {
	Start() error
	Stop(ctx context.Context) error
	Abort()
	CanStart() bool
	Completed() bool
	ProceedToResults(ctx context.Context) (*session.Result, error)
}

type tuiModel struct {
	ctrl      controller
	state     *transcript.State
	connected func() bool
	recordID  int64
	device    string

	view      tuiView
	lang      int
	phase     session.State
	online    bool
	gaveUp    bool
	elapsed   time.Duration
	level     float64
	noVoice   bool
	stage     session.Stage
	sent      int
	dropped   int
	completed bool
	waiting   bool
	// quitting defers a quit requested while finalizing until it completes.
	quitting  bool
	result    *session.Result
	resTerms  map[transcript.Lang]*transcript.TermList
	lastErr   string
	serverErr string
	copied    bool

	ready    bool
	viewport viewport.Model
	spinner  spinner.Model
	width    int
	height   int
}

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("#25A065")).Padding(0, 1)
	tabStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
	tabActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Background(lipgloss.Color("62")).Padding(0, 1).Bold(true)
	statusRec    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusIdle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	cardStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
	cardTitle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	cardTermName = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
)

func newTUIModel(ctrl controller, state *transcript.State, connected func() bool, recordID int64, device string) tuiModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return tuiModel{
		ctrl:      ctrl,
		state:     state,
		connected: connected,
		recordID:  recordID,
		device:    device,
		spinner:   sp,
	}
}

func NewTUIProgram(m tuiModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m tuiModel) Init() tea.Cmd {
	connected := m.connected
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return ConnStateMsg{Connected: connected()}
	})
}

func (m tuiModel) display() transcript.Lang { return transcript.Languages[m.lang] }

// statusText is the line under the header. Start is only offered when the
// channel is up and the record has not been completed yet.
func statusText(online bool, phase session.State, completed bool) string {
	switch {
	case phase == session.Capturing:
		return "recording..."
	case phase == session.Finalizing:
		return "processing..."
	case completed:
		return "session saved"
	case !online:
		return "waiting for server..."
	}
	return "press r to record"
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		body := max(3, msg.Height-lipgloss.Height(m.headerView())-lipgloss.Height(m.footerView())-m.cardHeight())
		if !m.ready {
			m.viewport = viewport.New(msg.Width, body)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = body
		}
		m.refresh()

	case tea.KeyMsg:
		cmd, quit := m.handleKey(msg)
		if quit {
			return m, tea.Quit
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}

	case ConnStateMsg:
		m.online = msg.Connected

	case ChannelClosedMsg:
		m.online = false
		m.gaveUp = true
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
		}

	case SessionStateMsg:
		m.phase = msg.State
		if m.quitting && msg.State == session.Idle {
			return m, tea.Quit
		}
		if msg.State == session.Capturing {
			m.elapsed = 0
			m.sent, m.dropped = 0, 0
			m.noVoice = false
			m.lastErr = ""
			m.refresh()
		}
		if msg.State != session.Capturing {
			m.level = 0
		}

	case ElapsedMsg:
		m.elapsed = msg.Elapsed

	case AudioLevelMsg:
		if m.phase == session.Capturing {
			m.level = m.level*0.6 + msg.Level*0.4
		}

	case NoVoiceMsg:
		m.noVoice = msg.Active

	case ChunkMsg:
		if msg.Sent {
			m.sent++
		} else {
			m.dropped++
		}

	case StageMsg:
		m.stage = msg.Stage

	case FailedMsg:
		m.lastErr = msg.Failure.Error()

	case CompletedMsg:
		m.completed = true

	case TranscriptMsg:
		if m.view == viewRecording {
			m.refresh()
		}

	case ServerErrorMsg:
		m.serverErr = msg.Text

	case ResultsMsg:
		m.waiting = false
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
			break
		}
		m.showResults(msg.Result)

	case startErrMsg:
		m.lastErr = msg.Err.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "q":
		switch m.phase {
		case session.Capturing:
			m.ctrl.Abort()
		case session.Finalizing:
			// exiting now would leave an uploaded but unpersisted session
			m.quitting = true
			return nil, false
		}
		return nil, true

	case "r":
		if m.view != viewRecording || !m.ctrl.CanStart() {
			return nil, false
		}
		ctrl := m.ctrl
		return func() tea.Msg {
			if err := ctrl.Start(); err != nil {
				return startErrMsg{Err: err}
			}
			return nil
		}, false

	case "s", " ":
		if m.phase != session.Capturing {
			return nil, false
		}
		if err := m.ctrl.Stop(context.Background()); err != nil {
			m.lastErr = err.Error()
		}
		return nil, false

	case "enter":
		if m.view != viewRecording || m.waiting || m.phase == session.Capturing {
			return nil, false
		}
		if !m.completed && m.phase != session.Finalizing {
			return nil, false
		}
		m.waiting = true
		ctrl := m.ctrl
		return func() tea.Msg {
			res, err := ctrl.ProceedToResults(context.Background())
			return ResultsMsg{Result: res, Err: err}
		}, false

	case "tab", "right", "l":
		m.lang = (m.lang + 1) % len(transcript.Languages)
		m.copied = false
		m.refresh()
	case "shift+tab", "left", "h":
		m.lang = (m.lang + len(transcript.Languages) - 1) % len(transcript.Languages)
		m.copied = false
		m.refresh()
	case "1", "2", "3", "4", "5":
		m.lang = int(msg.String()[0] - '1')
		m.copied = false
		m.refresh()

	case "n", "]":
		m.nextTerm(true)
	case "p", "[":
		m.nextTerm(false)

	case "c":
		if err := clipboard.Copy(clipboard.Lines(m.lines())); err != nil {
			m.lastErr = "copy failed: " + err.Error()
		} else {
			m.copied = true
		}
	}
	return nil, false
}

func (m *tuiModel) nextTerm(forward bool) {
	if m.view == viewResults {
		if l := m.resultTermList(); l != nil {
			if forward {
				l.Next()
			} else {
				l.Previous()
			}
		}
		return
	}
	if forward {
		m.state.NextTerm(m.display())
	} else {
		m.state.PreviousTerm(m.display())
	}
}

func (m *tuiModel) showResults(res *session.Result) {
	m.view = viewResults
	m.result = res
	m.resTerms = resultTerms(res.Term)
	m.refresh()
	m.viewport.GotoTop()
}

// resultTerms rebuilds per-language term lists from the persisted term map.
func resultTerms(terms backend.LangMap) map[transcript.Lang]*transcript.TermList {
	out := make(map[transcript.Lang]*transcript.TermList, len(transcript.TermLanguages))
	for _, l := range transcript.TermLanguages {
		list := transcript.NewTermList()
		for _, line := range terms.Lines(string(l)) {
			if t, ok := transcript.ParseTerm(line); ok {
				list.Add(t)
			}
		}
		out[l] = list
	}
	return out
}

func (m tuiModel) resultTermList() *transcript.TermList {
	k, ok := transcript.TermKey(m.display())
	if !ok {
		return nil
	}
	return m.resTerms[k]
}

// lines is the transcript text for the selected language in the current view.
func (m tuiModel) lines() []string {
	if m.view == viewResults && m.result != nil {
		return m.result.Transcript.Lines(string(m.display()))
	}
	return strings.Split(m.state.Text(m.display()), "\n")
}

func (m *tuiModel) refresh() {
	if !m.ready {
		return
	}
	var b strings.Builder
	w := max(10, m.viewport.Width-2)
	for _, line := range m.lines() {
		if line == "" {
			continue
		}
		b.WriteString(lipgloss.NewStyle().Width(w).Render(line))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	if m.view == viewRecording {
		m.viewport.GotoBottom()
	}
}

func (m tuiModel) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.viewport.View(),
		m.termCard(),
		m.footerView(),
	)
}

func (m tuiModel) headerView() string {
	title := titleStyle.Render(fmt.Sprintf("whisperdeck #%d", m.recordID))
	if m.view == viewResults {
		title = titleStyle.Render(fmt.Sprintf("results #%d", m.recordID))
	}

	var tabs []string
	for i, l := range transcript.Languages {
		if i == m.lang {
			tabs = append(tabs, tabActive.Render(l.Label()))
		} else {
			tabs = append(tabs, tabStyle.Render(l.Label()))
		}
	}
	top := lipgloss.JoinHorizontal(lipgloss.Center, title, " ", strings.Join(tabs, ""))
	return top + "\n" + m.statusLine()
}

func (m tuiModel) statusLine() string {
	text := statusText(m.online, m.phase, m.completed)
	var parts []string
	switch m.phase {
	case session.Capturing:
		parts = append(parts, statusRec.Render("● "+text+" "+session.FormatDuration(m.elapsed)), levelBar(m.level))
		if !m.online {
			parts = append(parts, statusWarn.Render("offline, audio not streamed"))
		}
		if m.noVoice {
			parts = append(parts, statusWarn.Render("⚠ no voice detected"))
		}
	case session.Finalizing:
		parts = append(parts, m.spinner.View()+" "+statusIdle.Render(fmt.Sprintf("%s %s", text, m.stage)))
		if m.quitting {
			parts = append(parts, statusWarn.Render("exiting once the session is saved"))
		}
	default:
		switch {
		case m.waiting:
			parts = append(parts, m.spinner.View()+" "+statusIdle.Render("loading results..."))
		case m.completed:
			parts = append(parts, statusOK.Render("✓ "+text))
		case m.gaveUp:
			parts = append(parts, statusWarn.Render("server unreachable"))
		default:
			parts = append(parts, statusIdle.Render("○ "+text))
		}
	}
	if m.sent+m.dropped > 0 {
		parts = append(parts, statusIdle.Render(fmt.Sprintf("chunks %d sent, %d dropped", m.sent, m.dropped)))
	}
	if m.copied {
		parts = append(parts, statusOK.Render("[✓ copied]"))
	}
	line := strings.Join(parts, "  ")
	if m.lastErr != "" {
		line += "\n" + statusWarn.Render("error: "+m.lastErr)
	}
	if m.serverErr != "" {
		line += "\n" + statusWarn.Render("server: "+m.serverErr)
	}
	return line
}

func levelBar(level float64) string {
	const width = 10
	n := min(width, int(level*width*8))
	return statusRec.Render(strings.Repeat("▮", n)) + statusIdle.Render(strings.Repeat("▯", width-n))
}

func (m tuiModel) cardHeight() int { return 5 }

func (m tuiModel) termCard() string {
	display := m.display()
	var (
		term    transcript.Term
		ok      bool
		counter string
	)
	if m.view == viewResults {
		if l := m.resultTermList(); l != nil {
			term, ok = l.Current()
			counter = l.Counter()
		} else {
			counter = "0 / 0"
		}
	} else {
		term, ok = m.state.CurrentTerm(display)
		counter = m.state.TermCounter(display)
	}

	header := cardTitle.Render(display.TermLabel() + "  " + counter)
	body := helpStyle.Render("no terms yet")
	if ok {
		body = cardTermName.Render(term.Title) + "  " + term.Description
	}
	w := max(20, m.width-2)
	return cardStyle.Width(w - 2).Render(header + "\n" + body)
}

func (m tuiModel) footerView() string {
	var keys []string
	switch {
	case m.view == viewResults:
		keys = []string{"tab lang", "n/p term", "c copy", "q quit"}
	case m.phase == session.Capturing:
		keys = []string{"s stop", "tab lang", "n/p term", "q abort"}
	case m.phase == session.Finalizing:
		keys = []string{"enter results", "tab lang", "q quit"}
	case m.completed:
		keys = []string{"enter results", "tab lang", "c copy", "q quit"}
	default:
		keys = []string{"r record", "tab lang", "n/p term", "q quit"}
	}
	info := helpStyle.Render(strings.Join(keys, " • ") + "   mic: " + m.device + "   " + version)
	return info
}

// tuiSink forwards controller events into the running program and plays the
// matching cue tones.
type tuiSink struct {
	p atomic.Pointer[tea.Program]
}

func (s *tuiSink) attach(p *tea.Program) { s.p.Store(p) }

func (s *tuiSink) send(msg tea.Msg) {
	if p := s.p.Load(); p != nil {
		p.Send(msg)
	}
}

func (s *tuiSink) StateChanged(st session.State) {
	switch st {
	case session.Capturing:
		beep.Play(beep.Start)
	case session.Finalizing:
		beep.Play(beep.Stop)
	}
	s.send(SessionStateMsg{State: st})
}

func (s *tuiSink) Tick(d time.Duration)           { s.send(ElapsedMsg{Elapsed: d}) }
func (s *tuiSink) AudioLevel(level float64)       { s.send(AudioLevelMsg{Level: level}) }
func (s *tuiSink) NoVoiceWarning(active bool)     { s.send(NoVoiceMsg{Active: active}) }
func (s *tuiSink) ChunkStreamed(n int, sent bool) { s.send(ChunkMsg{Bytes: n, Sent: sent}) }
func (s *tuiSink) FinalizeStage(st session.Stage) { s.send(StageMsg{Stage: st}) }

func (s *tuiSink) Failed(f *session.Failure) {
	beep.Play(beep.Error)
	log.Warnf("session failure reported to user: %v", f)
	s.send(FailedMsg{Failure: f})
}

func (s *tuiSink) Completed(r *session.Result) {
	beep.Play(beep.Done)
	s.send(CompletedMsg{Result: r})
}
