package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/theintaker/voicebridge/internal/bridge"
	"github.com/theintaker/voicebridge/internal/transport"
)

// controller is the part of [bridge.Session] the console drives.
type controller interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
	Finalize(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Escalate(ctx context.Context, reason string) error
	SendText(ctx context.Context, text string) error
	ConnectionState() bridge.ConnectionState
	VoiceState() bridge.VoiceState
	Result() *transport.IntakeResult
	Stats() (bridge.Stats, bool)
}

const consoleHelp = `commands:
  say <text>         send typed text
  finalize           end the interview and request the result
  interrupt          stop the current reply
  escalate [reason]  ask for a human
  status             show session state
  connect            reconnect after a disconnect
  disconnect         hang up
  quit               disconnect and exit
`

// console reads line commands and applies them to a session.
type console struct {
	sess  controller
	token func() string
	out   io.Writer
	log   *slog.Logger

	// onDisconnect, if set, runs before a user disconnect so a pending
	// redial does not undo it.
	onDisconnect func()
}

// errQuit is returned by exec for the quit command.
var errQuit = errors.New("quit")

// run reads commands from in until ctx is done, in reaches EOF, or the user
// quits. Scanning happens on its own goroutine so a blocked read does not
// delay shutdown.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(c.out, consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// exec runs one command line.
func (c *console) exec(ctx context.Context, line string) error {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(verb) {
	case "":
		return nil
	case "say":
		if arg == "" {
			return errors.New("say: text is required")
		}
		return c.sess.SendText(ctx, arg)
	case "finalize", "done":
		return c.sess.Finalize(ctx)
	case "interrupt", "stop":
		return c.sess.Interrupt(ctx)
	case "escalate":
		if arg == "" {
			arg = "user requested"
		}
		return c.sess.Escalate(ctx, arg)
	case "status":
		c.status()
		return nil
	case "connect":
		return c.sess.Connect(ctx, c.token())
	case "disconnect":
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		return c.sess.Disconnect()
	case "quit", "exit":
		return errQuit
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q; type help", verb)
	}
}

func (c *console) status() {
	fmt.Fprintf(c.out, "connection: %s\nvoice: %s\n", c.sess.ConnectionState(), c.sess.VoiceState())
	if st, ok := c.sess.Stats(); ok {
		fmt.Fprintf(c.out, "frames sent: %d  gated: %d  errors: %d\nqueued buffers: %d  gate active: %t  queued audio: %s\n",
			st.Capture.Sent, st.Capture.Gated, st.Capture.Errors,
			st.PendingBuffers, st.GateActive, st.NextStartOffset)
	}
	if r := c.sess.Result(); r != nil {
		printResult(c.out, r)
	}
}

// observe prints session events for the user.
func (c *console) observe(ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventStateChanged:
		if ev.Err != nil {
			fmt.Fprintf(c.out, "* %s: %v\n", ev.State, ev.Err)
			return
		}
		fmt.Fprintf(c.out, "* %s\n", ev.State)
	case bridge.EventVoiceStateChanged:
		fmt.Fprintf(c.out, "* %s\n", ev.Voice)
	case bridge.EventText:
		fmt.Fprintf(c.out, "remote: %s\n", ev.Text)
	case bridge.EventRemoteState:
		c.log.Debug("remote state", "state", ev.Text)
	case bridge.EventRemoteError:
		fmt.Fprintf(c.out, "remote error: %v\n", ev.Err)
	case bridge.EventResult:
		printResult(c.out, ev.Result)
	}
}

func printResult(w io.Writer, r *transport.IntakeResult) {
	fmt.Fprintf(w, "intake result: level of care %s\n", r.LevelOfCare)
	if r.SuggestedPlan != "" {
		fmt.Fprintf(w, "suggested plan: %s\n", r.SuggestedPlan)
	}
	if len(r.ASAMScores) > 0 {
		b, err := json.MarshalIndent(r.ASAMScores, "", "  ")
		if err == nil {
			fmt.Fprintf(w, "scores: %s\n", b)
		}
	}
}
