package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/pitabwire/tabula/model"
)

const (
	maxColumnWidth = 32
	columnGap      = "  "
)

// View renders the title, search box, visible rows and footer.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.title.Render(m.title))
	b.WriteByte('\n')
	if m.searching || m.search.Value() != "" {
		b.WriteString(m.search.View())
		b.WriteByte('\n')
	}

	widths := m.columnWidths()
	b.WriteString(m.fit(m.renderHeader(widths)))
	b.WriteByte('\n')
	b.WriteString(m.styles.rule.Render(strings.Repeat("─", m.lineWidth(widths))))
	b.WriteByte('\n')

	switch {
	case m.loading && len(m.result.Rows) == 0:
		b.WriteString(m.styles.faint.Render("Loading…"))
		b.WriteByte('\n')
	case len(m.result.Rows) == 0:
		b.WriteString(m.styles.faint.Render("No matching rows"))
		b.WriteByte('\n')
	default:
		for i, row := range m.result.Rows {
			b.WriteString(m.fit(m.renderRow(row, widths, i%2 == 1)))
			b.WriteByte('\n')
		}
	}

	b.WriteString(m.styles.rule.Render(strings.Repeat("─", m.lineWidth(widths))))
	b.WriteByte('\n')
	b.WriteString(m.styles.faint.Render(summaryLine(m.result.Summary)))
	b.WriteByte('\n')
	if filters := m.filterLine(); filters != "" {
		b.WriteString(m.fit(m.styles.filter.Render(filters)))
		b.WriteByte('\n')
	}
	if m.err != nil {
		b.WriteString(m.fit(m.styles.errText.Render("error: " + m.err.Error())))
		b.WriteByte('\n')
	}
	b.WriteString(m.help.ShortHelpView(m.keys.ShortHelp()))
	return b.String()
}

func (m Model) columnWidths() []int {
	widths := make([]int, len(m.columns))
	for i, col := range m.columns {
		widths[i] = lipgloss.Width(m.headerText(i))
		for _, row := range m.result.Rows {
			widths[i] = max(widths[i], lipgloss.Width(col.Render(row)))
		}
		widths[i] = min(widths[i], maxColumnWidth)
	}
	return widths
}

func (m Model) lineWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w
	}
	if len(widths) > 1 {
		total += len(columnGap) * (len(widths) - 1)
	}
	if m.width > 0 {
		total = min(total, m.width)
	}
	return total
}

// headerText is the column header with the sort direction marker.
func (m Model) headerText(i int) string {
	col := m.columns[i]
	text := col.Header
	if text == "" {
		text = col.ID
	}
	if sd := m.result.State.Sort; sd != nil && sd.ColumnID == col.ID {
		if sd.Direction == model.SortDesc {
			text += " ▼"
		} else {
			text += " ▲"
		}
	}
	return text
}

func (m Model) renderHeader(widths []int) string {
	cells := make([]string, len(m.columns))
	for i := range m.columns {
		style := m.styles.header
		if i == m.focus {
			style = m.styles.focus
		}
		cells[i] = style.Render(pad(m.headerText(i), widths[i]))
	}
	return strings.Join(cells, columnGap)
}

func (m Model) renderRow(row model.Row, widths []int, striped bool) string {
	style := m.styles.cell
	if striped {
		style = m.styles.stripe
	}
	cells := make([]string, len(m.columns))
	for i, col := range m.columns {
		cells[i] = pad(col.Render(row), widths[i])
	}
	return style.Render(strings.Join(cells, columnGap))
}

func (m Model) filterLine() string {
	var parts []string
	if q := m.result.State.GlobalFilter.Query; q != "" {
		parts = append(parts, fmt.Sprintf("search: %q", q))
	}
	for _, f := range m.engine.ActiveFilters() {
		parts = append(parts, f.Label+": "+f.Value)
	}
	return strings.Join(parts, " · ")
}

// fit truncates a rendered line to the terminal width.
func (m Model) fit(line string) string {
	if m.width <= 0 {
		return line
	}
	return ansi.Truncate(line, m.width, "…")
}

func summaryLine(s model.PaginationSummary) string {
	if s.TotalRows == 0 {
		return "No rows"
	}
	return fmt.Sprintf("Showing %d–%d of %d · page %d of %d · %d per page",
		s.StartRow, s.EndRow, s.TotalRows, s.PageIndex+1, s.PageCount, s.PageSize)
}

// pad truncates or right-pads text to exactly width cells.
func pad(text string, width int) string {
	text = ansi.Truncate(text, width, "…")
	if gap := width - lipgloss.Width(text); gap > 0 {
		text += strings.Repeat(" ", gap)
	}
	return text
}
