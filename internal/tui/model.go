// Package tui renders the paneboard dashboard in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/janekbaraniewski/paneboard/internal/core"
)

const refreshInterval = 5 * time.Second

// Fetcher produces the snapshots the model renders. force requests a cache
// bypass.
type Fetcher func(ctx context.Context, force bool) []core.ProviderSnapshot

type SnapshotsMsg []core.ProviderSnapshot

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type Model struct {
	fetch     Fetcher
	snapshots []core.ProviderSnapshot
	cursor    int
	width     int
	height    int
	loading   bool
}

func NewModel(fetch Fetcher) Model {
	return Model{fetch: fetch, loading: true}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(false), tickCmd())
}

func (m Model) fetchCmd(force bool) tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return SnapshotsMsg(fetch(ctx, force))
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(false), tickCmd())
	case SnapshotsMsg:
		m.snapshots = msg
		m.loading = false
		if m.cursor >= len(m.snapshots) {
			m.cursor = 0
		}
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.snapshots)-1 {
				m.cursor++
			}
		case "r":
			m.loading = true
			return m, m.fetchCmd(true)
		}
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("paneboard"))
	b.WriteString(dimStyle.Render("  q quit · r refresh · j/k select"))
	b.WriteString("\n\n")

	if m.loading && len(m.snapshots) == 0 {
		b.WriteString(subtextStyle.Render("loading providers..."))
		return b.String()
	}
	if len(m.snapshots) == 0 {
		b.WriteString(subtextStyle.Render("no providers configured"))
		return b.String()
	}

	for i, snapshot := range m.snapshots {
		style := tileStyle
		if i == m.cursor {
			style = selectedTileStyle
		}
		b.WriteString(style.Render(renderProvider(snapshot)))
		b.WriteString("\n")
	}
	return b.String()
}

func renderProvider(s core.ProviderSnapshot) string {
	var b strings.Builder

	title := s.ProviderLabel
	if s.PlanLabel != "" {
		title += subtextStyle.Render("  " + s.PlanLabel)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("  " + renderStatus(s))
	b.WriteString("\n")

	for _, w := range s.Windows {
		b.WriteString(renderWindow(w))
		b.WriteString("\n")
	}
	if s.Cost != nil {
		b.WriteString(renderCost(s.Cost))
	}
	for _, issue := range s.Issues {
		line := fmt.Sprintf("%s %s", issue.Code, issue.Message)
		if issue.Severity == "error" {
			b.WriteString(errStyle.Render(line))
		} else {
			b.WriteString(dimStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStatus(s core.ProviderSnapshot) string {
	switch s.Status {
	case core.StatusOK:
		return lipgloss.NewStyle().Foreground(colorGreen).Render("●")
	case core.StatusDegraded:
		return lipgloss.NewStyle().Foreground(colorYellow).Render("◐ degraded")
	default:
		return errStyle.Render("○ error")
	}
}

func renderWindow(w core.UsageMetricWindow) string {
	var b strings.Builder
	b.WriteString(subtextStyle.Render(fmt.Sprintf("%-10s", w.Title)))
	if w.UtilizationPercent != nil {
		b.WriteString(RenderGauge(*w.UtilizationPercent, 24))
		b.WriteString(fmt.Sprintf(" %3.0f%%", *w.UtilizationPercent))
	} else {
		b.WriteString(dimStyle.Render("no data"))
	}
	if w.ResetsAt != nil {
		b.WriteString(dimStyle.Render("  resets " + w.ResetsAt.Local().Format("Jan 2 15:04")))
	}
	if w.Pace.Status == core.PaceOver {
		b.WriteString(errStyle.Render("  over pace"))
	}
	return b.String()
}

func renderCost(cost *core.ProviderCostResult) string {
	var b strings.Builder
	b.WriteString(subtextStyle.Render("cost      "))
	switch {
	case cost.Source == core.CostUnavailable:
		b.WriteString(dimStyle.Render(string(cost.ReasonCode)))
	case cost.Today.USD != nil && cost.Last30Days.USD != nil:
		b.WriteString(fmt.Sprintf("$%.2f today · $%.2f last 30d", *cost.Today.USD, *cost.Last30Days.USD))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s/%s", cost.Source, cost.Confidence)))
	}
	b.WriteString("\n")
	if line := renderDailySparkline(cost.DailyBreakdown, 30); line != "" {
		b.WriteString(dimStyle.Render("30d       "))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// renderDailySparkline charts per-day token totals for the trailing window.
func renderDailySparkline(rows []core.DailyCostRow, width int) string {
	if len(rows) < 2 {
		return ""
	}
	values := lo.Map(rows, func(row core.DailyCostRow, _ int) float64 {
		return float64(row.TotalTokens)
	})
	sl := sparkline.New(width, 1)
	sl.PushAll(values)
	sl.Draw()
	return strings.TrimRight(sl.View(), "\n")
}
