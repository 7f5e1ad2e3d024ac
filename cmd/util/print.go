package util

import (
	"fmt"
	"io"

	"github.com/buger/goterm"

	"github.com/sidkik/provision/pkg/provision"
)

// PrintResult prints a summary of each unit in res.
func PrintResult(w io.Writer, res provision.Result) {
	for _, u := range res.Units {
		fmt.Fprintf(w, "%s (%s): %s\n", u.Name, u.Kind, colorState(u.State))
		for _, p := range u.Changed {
			fmt.Fprintf(w, "\t* %s\n", p)
		}
		if len(u.Unchanged) != 0 {
			fmt.Fprintf(w, "\t%d path(s) left unchanged\n", len(u.Unchanged))
		}
	}

	for _, err := range res.TaskErrors {
		fmt.Fprintln(w, goterm.Color("Task failed: "+err.Error(), goterm.RED))
	}
}

func colorState(state provision.State) string {
	switch state {
	case provision.Committed:
		return goterm.Color(state.String(), goterm.GREEN)
	case provision.Failed:
		return goterm.Color(state.String(), goterm.RED)
	case provision.Skipped:
		return goterm.Color(state.String(), goterm.YELLOW)
	default:
		return state.String()
	}
}
