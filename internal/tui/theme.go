package tui

import "github.com/charmbracelet/lipgloss"

// Theme defines the colors of the table viewer. Colors are ANSI
// 256-color codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	HeaderForeground lipgloss.Color
	FocusForeground  lipgloss.Color // Header of the column that sort acts on.
	BorderColor      lipgloss.Color

	StripeBackground lipgloss.Color // Every other row.
	FilterForeground lipgloss.Color
	ErrorForeground  lipgloss.Color
	HelpText         lipgloss.Color
}

// DefaultTheme suits dark terminals.
var DefaultTheme = Theme{
	NormalText:       lipgloss.Color("252"),
	FaintText:        lipgloss.Color("243"),
	HeaderForeground: lipgloss.Color("39"),
	FocusForeground:  lipgloss.Color("214"),
	BorderColor:      lipgloss.Color("238"),
	StripeBackground: lipgloss.Color("235"),
	FilterForeground: lipgloss.Color("114"),
	ErrorForeground:  lipgloss.Color("203"),
	HelpText:         lipgloss.Color("241"),
}

// LightTheme suits light terminals.
var LightTheme = Theme{
	NormalText:       lipgloss.Color("235"),
	FaintText:        lipgloss.Color("245"),
	HeaderForeground: lipgloss.Color("25"),
	FocusForeground:  lipgloss.Color("166"),
	BorderColor:      lipgloss.Color("250"),
	StripeBackground: lipgloss.Color("255"),
	FilterForeground: lipgloss.Color("28"),
	ErrorForeground:  lipgloss.Color("160"),
	HelpText:         lipgloss.Color("244"),
}

type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	focus   lipgloss.Style
	cell    lipgloss.Style
	stripe  lipgloss.Style
	rule    lipgloss.Style
	faint   lipgloss.Style
	filter  lipgloss.Style
	errText lipgloss.Style
	help    lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(t.HeaderForeground),
		header:  lipgloss.NewStyle().Bold(true).Foreground(t.HeaderForeground),
		focus:   lipgloss.NewStyle().Bold(true).Underline(true).Foreground(t.FocusForeground),
		cell:    lipgloss.NewStyle().Foreground(t.NormalText),
		stripe:  lipgloss.NewStyle().Foreground(t.NormalText).Background(t.StripeBackground),
		rule:    lipgloss.NewStyle().Foreground(t.BorderColor),
		faint:   lipgloss.NewStyle().Foreground(t.FaintText),
		filter:  lipgloss.NewStyle().Foreground(t.FilterForeground),
		errText: lipgloss.NewStyle().Foreground(t.ErrorForeground),
		help:    lipgloss.NewStyle().Foreground(t.HelpText),
	}
}
