package commands

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/common-nighthawk/go-figure"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

var (
	summaryStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#F4D060")).
			Padding(0, 1)

	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#1a9850"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#d73027"))
)

var sp *spinner.Spinner

// startSpinner shows progress while a provider call is in flight.
func startSpinner(suffix string) {
	sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Suffix = " " + suffix
	sp.Start()
}

func stopSpinner() {
	if sp != nil {
		sp.Stop()
		sp = nil
	}
}

// printBanner draws the name plate shown by serve, status, and version.
func printBanner() {
	figure.NewFigure("pod-minder", "", true).Print()
	fmt.Println()
}

func colorStatus(status string) string {
	switch status {
	case types.StatusRunning:
		return text.FgHiGreen.Sprint(status)
	case types.StatusPaused:
		return text.FgHiYellow.Sprint(status)
	case types.StatusExited, types.StatusTerminated:
		return text.FgHiRed.Sprint(status)
	default:
		return status
	}
}

func colorIdleState(state string) string {
	switch state {
	case string(types.StateActive):
		return text.FgGreen.Sprint(state)
	case string(types.StateAccumulating):
		return text.FgYellow.Sprint(state)
	case string(types.StateConfirmed), string(types.StateCooldown):
		return text.FgHiRed.Sprint(state)
	case excludedLabel:
		return text.FgBlue.Sprint(state)
	default:
		return state
	}
}

// excludedLabel stands in for the idle state of an exempt instance in the
// status table; exclusion is not a detector state.
const excludedLabel = "EXCLUDED"
