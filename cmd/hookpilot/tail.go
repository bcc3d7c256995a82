package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// frameReader is the read side of a tail connection.
type frameReader interface {
	ReadMessage() (int, []byte, error)
}

// tailResult is how a tail stream ended.
type tailResult struct {
	status string
	err    error
}

// readFrame blocks for the next frame. A close frame carries the final task
// status as its reason.
func readFrame(conn frameReader) (string, *tailResult) {
	_, data, err := conn.ReadMessage()
	if err == nil {
		return string(data), nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return "", &tailResult{status: ce.Text}
		}
		return "", &tailResult{status: ce.Text, err: fmt.Errorf("stream closed: %d %s", ce.Code, ce.Text)}
	}
	return "", &tailResult{err: err}
}

// tailPlain copies frames to w until the stream ends and returns the final
// status.
func tailPlain(conn frameReader, w io.Writer) (string, error) {
	for {
		chunk, done := readFrame(conn)
		if done != nil {
			return done.status, done.err
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return "", err
		}
	}
}

type chunkMsg string

type tailDoneMsg tailResult

func waitForFrame(conn frameReader) tea.Cmd {
	return func() tea.Msg {
		chunk, done := readFrame(conn)
		if done != nil {
			return tailDoneMsg(*done)
		}
		return chunkMsg(chunk)
	}
}

// tailModel renders a task's live output in a scrolling viewport.
type tailModel struct {
	conn     frameReader
	taskID   string
	viewport viewport.Model
	spinner  spinner.Model
	output   strings.Builder
	ready    bool
	follow   bool
	done     *tailResult
}

func newTailModel(conn frameReader, taskID string) *tailModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = pendingStyle
	return &tailModel{conn: conn, taskID: taskID, spinner: sp, follow: true}
}

func (m *tailModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForFrame(m.conn))
}

func (m *tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := max(msg.Height-2, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.refresh()
	case chunkMsg:
		m.output.WriteString(string(msg))
		m.refresh()
		cmds = append(cmds, waitForFrame(m.conn))
	case tailDoneMsg:
		res := tailResult(msg)
		m.done = &res
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			m.refresh()
			return m, nil
		}
	case spinner.TickMsg:
		if m.done == nil {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}
	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *tailModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.output.String())
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m *tailModel) View() string {
	if !m.ready {
		return "Connecting..."
	}
	state := m.spinner.View() + " running"
	if m.done != nil {
		switch {
		case m.done.err != nil:
			state = failStyle.Render("disconnected: " + m.done.err.Error())
		case m.done.status != "":
			state = statusStyle(m.done.status).Render(m.done.status)
		default:
			state = dimStyle.Render("closed")
		}
	}
	header := titleStyle.Render("hookpilot tail "+m.taskID) + "  " + state
	follow := "off"
	if m.follow {
		follow = "on"
	}
	footer := dimStyle.Render(fmt.Sprintf("q quit · f follow (%s) · %3.f%%", follow, m.viewport.ScrollPercent()*100))
	return header + "\n" + m.viewport.View() + "\n" + footer
}

// runTailTUI shows the tail full screen and returns the final status.
func runTailTUI(conn frameReader, taskID string) (string, error) {
	m := newTailModel(conn, taskID)
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run(); err != nil {
		return "", err
	}
	if m.done == nil {
		return "", nil
	}
	return m.done.status, m.done.err
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
