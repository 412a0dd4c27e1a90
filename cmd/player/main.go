// Package main provides the terminal player.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gdamore/tcell/v2"
	"github.com/joho/godotenv"
	"github.com/rivo/tview"

	apiconnect "github.com/osa030/physiocue/internal/api/connect"
)

var (
	app        = kingpin.New("physiocue-player", "physiocue terminal player")
	server     = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token      = app.Flag("token", "Control token (or set PHYSIOCUE_SERVER_TOKEN env)").Envar("PHYSIOCUE_SERVER_TOKEN").String()
	resumeID   = app.Flag("resume", "Resume an unfinished session instead of starting one").String()
	definition = app.Arg("definition-id", "Template to start (omit to attach to the active session)").String()
)

const helpText = "[yellow]Space[white] Pause/Resume  |  [yellow]N[white] Next  |  [yellow]B[white] Back  |  [yellow]Q[white] End early  |  [yellow]Esc[white] Detach"

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))
	if *token == "" {
		fmt.Println("Error: control token is required (use --token or PHYSIOCUE_SERVER_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewClient(http.DefaultClient, *server, *token)
	if err := attach(context.Background(), client); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if err := newPlayer(client).run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// attach starts or resumes the session the player will follow.
func attach(ctx context.Context, client *apiconnect.Client) error {
	switch {
	case *resumeID != "":
		_, err := client.ResumeSession(ctx, *resumeID)
		return err
	case *definition != "":
		_, err := client.Start(ctx, *definition, nil)
		return err
	default:
		_, err := client.GetState(ctx)
		return err
	}
}

type player struct {
	client *apiconnect.Client
	app    *tview.Application

	status  *tview.TextView
	log     *tview.TextView
	message *tview.TextView

	// Only touched on the UI goroutine.
	last apiconnect.State
}

func newPlayer(client *apiconnect.Client) *player {
	p := &player{
		client: client,
		app:    tview.NewApplication(),
	}

	p.status = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	p.status.SetBorder(true).SetTitle(" Session ")

	p.log = tview.NewTextView().
		SetDynamicColors(true)
	p.log.SetBorder(true).SetTitle(" Exercises ")

	p.message = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(helpText)

	body := tview.NewFlex().
		AddItem(p.status, 0, 2, true).
		AddItem(p.log, 0, 1, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(p.message, 1, 0, false).
		AddItem(help, 1, 0, false)

	p.app.SetRoot(root, true).SetInputCapture(p.onKey)
	return p
}

func (p *player) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := p.client.Watch(ctx, func(st apiconnect.State) {
			p.app.QueueUpdateDraw(func() { p.show(st) })
		})
		p.app.QueueUpdateDraw(func() {
			if err != nil {
				p.message.SetText("[red]" + tview.Escape(err.Error()))
				return
			}
			if p.last.Terminal() {
				p.message.SetText("[green]Session finished. Press Esc to exit.")
			}
		})
	}()

	return p.app.Run()
}

func (p *player) show(st apiconnect.State) {
	p.last = st
	p.status.SetText(renderStatus(st))
	p.log.SetText(renderLog(st.Log))
}

func (p *player) onKey(ev *tcell.EventKey) *tcell.EventKey {
	switch ev.Key() {
	case tcell.KeyEsc, tcell.KeyCtrlC:
		p.app.Stop()
		return nil
	case tcell.KeyRune:
	default:
		return ev
	}

	switch ev.Rune() {
	case ' ':
		if p.last.Status == "paused" {
			p.command("resume", p.client.Resume)
		} else {
			p.command("pause", p.client.Pause)
		}
	case 'n', 'N':
		p.command("next", p.client.SkipForward)
	case 'b', 'B':
		p.command("back", p.client.SkipBackward)
	case 'q', 'Q':
		go func() {
			_, err := p.client.EndEarly(context.Background())
			p.report("end", err)
		}()
	default:
		return ev
	}
	return nil
}

// command runs a session command off the UI goroutine; the resulting state
// arrives through the watch stream.
func (p *player) command(name string, fn func(context.Context) (apiconnect.State, error)) {
	go func() {
		_, err := fn(context.Background())
		p.report(name, err)
	}()
}

func (p *player) report(name string, err error) {
	p.app.QueueUpdateDraw(func() {
		if err != nil {
			p.message.SetText(fmt.Sprintf("[red]%s: %s", name, tview.Escape(err.Error())))
			return
		}
		p.message.SetText("")
	})
}
