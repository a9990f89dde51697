package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	bold      = lipgloss.NewStyle().Bold(true)
)

const headerArt = `
 ___ _   _ / _| |_ ___ _   _ _ __   ___
/ __| | | | |_| __/ __| | | | '_ \ / __|
\__ \ |_| |  _| |_\__ \ |_| | | | | (__
|___/\__, |_|  \__|___/\__, |_| |_|\___|
     |___/             |___/
`

func showHeader(w io.Writer) {
	fmt.Fprintln(w, color.New(color.FgHiCyan, color.Bold).Sprint(headerArt))
}
