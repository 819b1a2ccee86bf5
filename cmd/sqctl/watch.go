package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	cl "squarespool/internal/cli"
	"squarespool/internal/pool"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	watchDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	watchOwnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchCellStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	watchWinStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true).Reverse(true)
	watchErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func newWatchCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [pool_id]",
		Short: "Live board view that refreshes as the game progresses",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("signup required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Pool ID")
			if err != nil {
				return err
			}
			m := watchModel{
				client:   newClient(apiBase),
				session:  sess,
				poolID:   id,
				interval: 5 * time.Second,
			}
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
}

type watchState struct {
	summary pool.PoolSummary
	grid    pool.GridSnapshot
	numbers pool.NumbersView
	scores  []pool.ScoreView
}

type watchTickMsg struct{}

type watchDataMsg struct {
	state watchState
	err   error
}

type watchModel struct {
	client   *cl.Client
	session  cl.Session
	poolID   int64
	interval time.Duration

	state   watchState
	loaded  bool
	lastErr error
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, m.tick())
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return watchTickMsg{}
	})
}

func (m watchModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var out watchState
	summaryRaw, err := m.client.PoolSummary(ctx, m.session.APIKey, m.poolID)
	if err != nil {
		return watchDataMsg{err: err}
	}
	if out.summary, err = decodeInto[pool.PoolSummary](summaryRaw); err != nil {
		return watchDataMsg{err: err}
	}
	gridRaw, err := m.client.Grid(ctx, m.session.APIKey, m.poolID)
	if err != nil {
		return watchDataMsg{err: err}
	}
	if out.grid, err = decodeInto[pool.GridSnapshot](gridRaw); err != nil {
		return watchDataMsg{err: err}
	}
	numbersRaw, err := m.client.Numbers(ctx, m.session.APIKey, m.poolID)
	if err != nil {
		return watchDataMsg{err: err}
	}
	if out.numbers, err = decodeInto[pool.NumbersView](numbersRaw); err != nil {
		return watchDataMsg{err: err}
	}
	scoresRaw, err := m.client.Scores(ctx, m.session.APIKey, m.poolID)
	if err != nil {
		return watchDataMsg{err: err}
	}
	scores, err := decodeInto[scoresPayload](scoresRaw)
	if err != nil {
		return watchDataMsg{err: err}
	}
	out.scores = scores.Scores
	return watchDataMsg{state: out}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}
	case watchTickMsg:
		return m, tea.Batch(m.fetch, m.tick())
	case watchDataMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.state = msg.state
		m.loaded = true
		m.lastErr = nil
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	if !m.loaded {
		b.WriteString(watchDimStyle.Render("Loading board..."))
		if m.lastErr != nil {
			b.WriteString("\n" + watchErrStyle.Render(m.lastErr.Error()))
		}
		return b.String()
	}
	s := m.state.summary
	b.WriteString(watchTitleStyle.Render(fmt.Sprintf("POOL #%d  %s", s.ID, s.Name)))
	b.WriteString("\n")
	b.WriteString(watchDimStyle.Render(fmt.Sprintf("%s (rows) vs %s (cols)   state: %s   pot: %s %s",
		s.TeamHome, s.TeamAway, s.State, formatMicros(s.TotalPotMicros), s.Asset)))
	b.WriteString("\n\n")
	b.WriteString(m.renderBoard())
	b.WriteString("\n")
	b.WriteString(m.renderScores())
	if m.lastErr != nil {
		b.WriteString("\n" + watchErrStyle.Render("refresh failed: "+m.lastErr.Error()))
	}
	b.WriteString("\n" + watchDimStyle.Render("r refresh   q quit"))
	return b.String()
}

func (m watchModel) renderBoard() string {
	const cellWidth = 9
	winners := m.winnerPositions()

	var b strings.Builder
	b.WriteString(strings.Repeat(" ", 4))
	for c := 0; c < 10; c++ {
		label := "?"
		if m.state.numbers.Assigned {
			label = strconv.Itoa(int(m.state.numbers.ColNumbers[c]))
		}
		b.WriteString(watchDimStyle.Render(fmt.Sprintf("%-*s", cellWidth, label)))
	}
	b.WriteString("\n")
	for r := 0; r < 10; r++ {
		label := "?"
		if m.state.numbers.Assigned {
			label = strconv.Itoa(int(m.state.numbers.RowNumbers[r]))
		}
		b.WriteString(watchDimStyle.Render(fmt.Sprintf("%3s ", label)))
		for c := 0; c < 10; c++ {
			position := r*10 + c
			owner := m.state.grid.Owners[position]
			cell := "."
			if owner != "" {
				cell = truncate(owner, cellWidth-1)
			}
			text := fmt.Sprintf("%-*s", cellWidth, cell)
			switch {
			case winners[position]:
				b.WriteString(watchWinStyle.Render(text))
			case owner == m.session.Username:
				b.WriteString(watchOwnStyle.Render(text))
			default:
				b.WriteString(watchCellStyle.Render(text))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m watchModel) winnerPositions() map[int]bool {
	out := make(map[int]bool)
	if !m.state.numbers.Assigned {
		return out
	}
	for _, s := range m.state.scores {
		if !s.Settled {
			continue
		}
		position, err := pool.WinningPosition(
			m.state.numbers.RowNumbers, m.state.numbers.ColNumbers,
			uint8(s.Home), uint8(s.Away))
		if err == nil {
			out[position] = true
		}
	}
	return out
}

func (m watchModel) renderScores() string {
	var b strings.Builder
	for _, s := range m.state.scores {
		status := "pending"
		switch {
		case s.Settled:
			status = "settled"
		case s.Submitted:
			status = "disputed"
		case s.RequestStatus == "pending":
			status = "fetching"
		}
		line := fmt.Sprintf("%-8s ", s.Label)
		if s.Submitted || s.Settled {
			line += fmt.Sprintf("%3d-%-3d ", s.Home, s.Away)
		} else {
			line += "  ---   "
		}
		line += status
		if s.Settled {
			line += "   payout " + formatMicros(s.PayoutMicros)
			b.WriteString(watchOwnStyle.Render(line))
		} else {
			b.WriteString(watchDimStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}
