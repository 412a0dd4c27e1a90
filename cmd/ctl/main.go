// Package main provides the control CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	apiconnect "github.com/osa030/physiocue/internal/api/connect"
)

var (
	app    = kingpin.New("physiocue-ctl", "physiocue control client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Control token (or set PHYSIOCUE_SERVER_TOKEN env)").Envar("PHYSIOCUE_SERVER_TOKEN").String()

	// status command
	statusCmd = app.Command("status", "Show the session state")

	// start command
	startCmd        = app.Command("start", "Start a session from a template")
	startDefinition = startCmd.Arg("definition-id", "Template ID").Required().String()
	startSet        = startCmd.Flag("set", "Override an exercise value, e.g. heel-slide.reps=8").Short('s').StringMap()

	// resume-session command
	resumeSessionCmd = app.Command("resume-session", "Resume an unfinished session")
	resumeSessionID  = resumeSessionCmd.Arg("session-id", "Session ID").Required().String()

	pauseCmd   = app.Command("pause", "Pause the session")
	resumeCmd  = app.Command("resume", "Resume the paused session")
	nextCmd    = app.Command("next", "Skip to the next exercise").Alias("skip")
	backCmd    = app.Command("back", "Restart the current or previous exercise")
	endCmd     = app.Command("end", "End the session early")
	refreshCmd = app.Command("refresh", "Re-read settings for the active session")

	templatesCmd = app.Command("templates", "List session templates")
	openCmd      = app.Command("resumable", "List unfinished sessions")

	// history command
	historyCmd   = app.Command("history", "List finished sessions, or show one")
	historyLimit = historyCmd.Flag("limit", "Maximum number of sessions").Default("10").Int()
	historyID    = historyCmd.Arg("session-id", "Session to show").String()

	watchCmd = app.Command("watch", "Follow the session state")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *token == "" {
		fmt.Println("Error: control token is required (use --token or PHYSIOCUE_SERVER_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewClient(http.DefaultClient, *server, *token)
	ctx := context.Background()

	var err error
	switch command {
	case statusCmd.FullCommand():
		err = printState(client.GetState(ctx))
	case startCmd.FullCommand():
		err = start(ctx, client)
	case resumeSessionCmd.FullCommand():
		err = printState(client.ResumeSession(ctx, *resumeSessionID))
	case pauseCmd.FullCommand():
		err = printState(client.Pause(ctx))
	case resumeCmd.FullCommand():
		err = printState(client.Resume(ctx))
	case nextCmd.FullCommand():
		err = printState(client.SkipForward(ctx))
	case backCmd.FullCommand():
		err = printState(client.SkipBackward(ctx))
	case endCmd.FullCommand():
		var f apiconnect.Finished
		if f, err = client.EndEarly(ctx); err == nil {
			printFinished(f)
		}
	case refreshCmd.FullCommand():
		if err = client.RefreshSettings(ctx); err == nil {
			fmt.Println("Settings refreshed")
		}
	case templatesCmd.FullCommand():
		err = listTemplates(ctx, client)
	case openCmd.FullCommand():
		err = listResumable(ctx, client)
	case historyCmd.FullCommand():
		if *historyID != "" {
			var f apiconnect.Finished
			if f, err = client.GetHistory(ctx, *historyID); err == nil {
				printFinished(f)
			}
		} else {
			err = listHistory(ctx, client, *historyLimit)
		}
	case watchCmd.FullCommand():
		err = watch(client)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func start(ctx context.Context, client *apiconnect.Client) error {
	overrides, err := parseOverrides(*startSet)
	if err != nil {
		return err
	}
	id, err := client.Start(ctx, *startDefinition, overrides)
	if err != nil {
		return err
	}
	fmt.Printf("Started session %s\n", id)
	return nil
}

// parseOverrides turns exercise.field=value pairs into the nested override map.
func parseOverrides(pairs map[string]string) (map[string]any, error) {
	out := make(map[string]any)
	for key, raw := range pairs {
		exerciseID, field, ok := strings.Cut(key, ".")
		if !ok || exerciseID == "" || field == "" {
			return nil, fmt.Errorf("override %q: expected exercise.field=value", key)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("override %q: value %q is not a number", key, raw)
		}
		fields, _ := out[exerciseID].(map[string]any)
		if fields == nil {
			fields = make(map[string]any)
			out[exerciseID] = fields
		}
		fields[field] = v
	}
	return out, nil
}

func printState(st apiconnect.State, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("Session:   %s (%s)\n", st.SessionID, st.DefinitionID)
	fmt.Printf("Status:    %s\n", st.Status)
	fmt.Printf("Exercise:  %d/%d %s\n", st.ExerciseIndex+1, st.ExerciseCount, exerciseLabel(st))
	fmt.Printf("Phase:     %d/%d %s%s\n", st.PhaseIndex+1, st.PhaseCount, st.PhaseType, sideLabel(st.Side))
	fmt.Printf("Time:      %s elapsed, %s remaining\n", formatDuration(st.Elapsed()), formatDuration(st.Remaining()))
	if !st.AudioAvailable {
		fmt.Println("Warning:   audio unavailable")
	}
	if !st.ResumeAvailable {
		fmt.Println("Warning:   progress is not being saved")
	}
	return nil
}

func printFinished(f apiconnect.Finished) {
	fmt.Printf("Session %s ended: %s\n", f.SessionID, f.Status)
	for _, e := range f.Log {
		fmt.Printf("  %2d. %-20s %-10s %s\n", e.ExerciseIndex+1, e.ExerciseID, e.Outcome,
			formatDuration(time.Duration(e.ActualMs)*time.Millisecond))
	}
}

func listTemplates(ctx context.Context, client *apiconnect.Client) error {
	templates, err := client.ListTemplates(ctx)
	if err != nil {
		return err
	}
	for _, t := range templates {
		fmt.Printf("%-20s %-30s %d exercises\n", t.ID, t.Name, t.ExerciseCount)
	}
	return nil
}

func listResumable(ctx context.Context, client *apiconnect.Client) error {
	sessions, err := client.ListResumable(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No unfinished sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-20s %-8s phase %d  saved %s\n", s.SessionID, s.DefinitionID, s.Status, s.PhaseIndex+1, s.TakenAt)
	}
	return nil
}

func listHistory(ctx context.Context, client *apiconnect.Client, limit int) error {
	sessions, err := client.ListHistory(ctx, limit)
	if err != nil {
		return err
	}
	for _, f := range sessions {
		fmt.Printf("%s  %-20s %-10s %s\n", f.SessionID, f.DefinitionID, f.Status, f.EndedAt)
	}
	return nil
}

func watch(client *apiconnect.Client) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("Watching session state. Press Ctrl+C to exit.")
	return client.Watch(ctx, func(st apiconnect.State) {
		fmt.Printf("[%d] %-9s %-14s %-20s %s left\n", st.Sequence, st.Status,
			st.PhaseType+sideLabel(st.Side), exerciseLabel(st), formatDuration(st.Remaining()))
	})
}

func exerciseLabel(st apiconnect.State) string {
	if st.ExerciseName != "" {
		return st.ExerciseName
	}
	return st.ExerciseID
}

func sideLabel(side string) string {
	if side == "" {
		return ""
	}
	return " (" + side + ")"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
