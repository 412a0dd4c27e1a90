package main

import (
	"fmt"
	"strings"
	"time"

	apiconnect "github.com/osa030/physiocue/internal/api/connect"
)

const barWidth = 40

var phaseLabels = map[string]string{
	"lead-in":       "Get ready",
	"active":        "Work",
	"rep-pause":     "Pause",
	"set-rest":      "Set rest",
	"exercise-rest": "Rest",
	"complete":      "Done",
}

var phaseColors = map[string]string{
	"lead-in":       "yellow",
	"active":        "green",
	"rep-pause":     "teal",
	"set-rest":      "aqua",
	"exercise-rest": "aqua",
	"complete":      "white",
}

func renderStatus(st apiconnect.State) string {
	var b strings.Builder

	name := st.ExerciseName
	if name == "" {
		name = st.ExerciseID
	}
	label, ok := phaseLabels[st.PhaseType]
	if !ok {
		label = st.PhaseType
	}
	color, ok := phaseColors[st.PhaseType]
	if !ok {
		color = "white"
	}

	fmt.Fprintf(&b, "\n[::b]%s[::-]\n", name)
	fmt.Fprintf(&b, "Exercise %d of %d\n\n", st.ExerciseIndex+1, st.ExerciseCount)
	fmt.Fprintf(&b, "[%s::b]%s[white::-]", color, strings.ToUpper(label))
	if detail := phaseDetail(st); detail != "" {
		fmt.Fprintf(&b, "  %s", detail)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "[::b]%s[::-]\n", clock(st.Remaining()))
	b.WriteString(progressBar(st.Elapsed(), st.Elapsed()+st.Remaining(), barWidth))
	b.WriteString("\n\n")

	switch st.Status {
	case "paused":
		b.WriteString("[yellow]PAUSED[white]\n")
	case "completed":
		b.WriteString("[green]SESSION COMPLETE[white]\n")
	case "aborted":
		b.WriteString("[red]SESSION ENDED[white]\n")
	}
	if !st.AudioAvailable {
		b.WriteString("[red]Audio unavailable[white]\n")
	}
	if !st.ResumeAvailable {
		b.WriteString("[red]Progress is not being saved[white]\n")
	}
	return b.String()
}

// phaseDetail describes the set, rep and side of work phases.
func phaseDetail(st apiconnect.State) string {
	switch st.PhaseType {
	case "active", "rep-pause", "set-rest":
	default:
		return ""
	}
	parts := []string{fmt.Sprintf("set %d", st.SetIndex+1)}
	if st.PhaseType != "set-rest" {
		parts = append(parts, fmt.Sprintf("rep %d", st.RepIndex+1))
	}
	if st.Side != "" {
		parts = append(parts, st.Side)
	}
	return strings.Join(parts, " · ")
}

func renderLog(entries []apiconnect.LogEntry) string {
	if len(entries) == 0 {
		return "[gray]Nothing finished yet[white]"
	}
	var b strings.Builder
	for _, e := range entries {
		color := "green"
		switch e.Outcome {
		case "skipped":
			color = "yellow"
		case "incomplete":
			color = "red"
		}
		fmt.Fprintf(&b, "%2d. %-18s [%s]%-10s[white] %s\n", e.ExerciseIndex+1, e.ExerciseID, color, e.Outcome,
			clock(time.Duration(e.ActualMs)*time.Millisecond))
	}
	return b.String()
}

func progressBar(elapsed, total time.Duration, width int) string {
	filled := 0
	if total > 0 {
		filled = int(float64(width) * float64(elapsed) / float64(total))
	}
	filled = min(max(filled, 0), width)
	return "[green]" + strings.Repeat("█", filled) + "[gray]" + strings.Repeat("░", width-filled) + "[white]"
}

// clock formats d as m:ss, rounding up so a phase never shows 0:00 while running.
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
