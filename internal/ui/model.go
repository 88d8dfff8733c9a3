package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/audiolibrelab/atmoscapture/internal/session"
)

const (
	barWidth     = 40
	tickInterval = 250 * time.Millisecond
)

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			PaddingLeft(2).
			PaddingRight(2).
			MarginBottom(1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CCCCCC"))

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF5F5F"))

	doneStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5FD75F"))
)

// Recording is the part of a session the progress view needs
type Recording interface {
	Info() session.Info
	Progress() <-chan session.Progress
	Done() <-chan struct{}
	Err() error
	Stop()
}

// ProgressMsg carries a progress update from the session
type ProgressMsg session.Progress

// DoneMsg is sent once the session has completed or failed
type DoneMsg struct{ Err error }

// TickMsg refreshes the elapsed time
type TickMsg time.Time

// Model renders a live progress view of one recording
type Model struct {
	rec      Recording
	info     session.Info
	progress session.Progress
	started  time.Time
	now      time.Time
	stopping bool
	done     bool
	err      error
	width    int
}

// NewModel creates a progress view for rec
func NewModel(rec Recording) Model {
	now := time.Now()
	return Model{
		rec:     rec,
		info:    rec.Info(),
		started: now,
		now:     now,
	}
}

// Init starts listening for progress and completion
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitProgress(m.rec.Progress()),
		waitDone(m.rec),
		tick(),
	)
}

func waitProgress(ch <-chan session.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return nil
		}
		return ProgressMsg(p)
	}
}

func waitDone(rec Recording) tea.Cmd {
	return func() tea.Msg {
		<-rec.Done()
		return DoneMsg{Err: rec.Err()}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Update updates the UI model based on messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.stopping || m.done {
				return m, nil
			}
			m.stopping = true
			rec := m.rec
			// Stop blocks until the file is finalized; DoneMsg follows
			return m, func() tea.Msg {
				rec.Stop()
				return nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case TickMsg:
		m.now = time.Time(msg)
		if m.done {
			return m, nil
		}
		m.info = m.rec.Info()
		return m, tick()

	case ProgressMsg:
		m.progress = session.Progress(msg)
		return m, waitProgress(m.rec.Progress())

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		m.info = m.rec.Info()
		if m.info.Progress.Total > 0 {
			m.progress = m.info.Progress
		}
		return m, tea.Quit
	}

	return m, nil
}

// Err returns the session error once the view has finished
func (m Model) Err() error {
	return m.err
}

// View renders the progress view
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("AtmosCapture"))
	b.WriteString("\n")
	b.WriteString(infoStyle.Render(fmt.Sprintf("Input:  %s (track %d)", m.info.Input, m.info.Track)))
	b.WriteString("\n")
	b.WriteString(infoStyle.Render(fmt.Sprintf("Output: %s", m.info.OutputFile)))
	b.WriteString("\n")
	if m.info.TargetFormat != "" {
		b.WriteString(infoStyle.Render(fmt.Sprintf("Format: %s -> %s", m.info.SourceFormat, m.info.TargetFormat)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(renderBar(m.progress.Fraction, m.barWidth()))
	b.WriteString(fmt.Sprintf(" %5.1f%%\n", m.progress.Fraction*100))
	b.WriteString(infoStyle.Render(fmt.Sprintf("%s / %s  elapsed %s",
		formatClock(m.progress.Current), formatClock(m.progress.Total),
		formatClock(m.now.Sub(m.started)))))
	b.WriteString("\n\n")

	switch {
	case m.done && m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Recording failed: %v", m.err)))
	case m.done:
		b.WriteString(doneStyle.Render(fmt.Sprintf("Recorded %d frames (%d bytes)", m.info.Frames, m.info.Bytes)))
	case m.stopping:
		b.WriteString(infoStyle.Render("Stopping, finalizing file..."))
	default:
		b.WriteString(infoStyle.Render("Press q to stop"))
	}
	b.WriteString("\n")

	return b.String()
}

func (m Model) barWidth() int {
	if m.width > 0 && m.width-10 < barWidth {
		return max(m.width-10, 10)
	}
	return barWidth
}

func renderBar(fraction float64, width int) string {
	fraction = min(max(fraction, 0), 1)
	filled := int(fraction * float64(width))
	return barStyle.Render(strings.Repeat("█", filled)) + strings.Repeat("░", width-filled)
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	mnt := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mnt, s)
	}
	return fmt.Sprintf("%02d:%02d", mnt, s)
}
