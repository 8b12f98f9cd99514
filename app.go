// app.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/petervdpas/goopchat/internal/chat"
	"github.com/petervdpas/goopchat/internal/session"
)

// App is the terminal front end of a session: it turns input lines into
// session calls and prints session events.
type App struct {
	sess *session.Session

	outMu sync.Mutex
	out   io.Writer
}

func NewApp(sess *session.Session, out io.Writer) *App {
	return &App{sess: sess, out: out}
}

func runChat(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer) error {
	app := NewApp(sess, out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go app.watch(ctx)

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

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if app.handleLine(ctx, line) {
				return nil
			}
		}
	}
}

type command struct {
	name string
	arg  string
}

// parseCommand splits a "/name arg" line. Lines that do not start with a
// slash (or start with "//") are messages; "//" escapes a leading slash.
func parseCommand(line string) (command, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(trimmed[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

// handleLine runs one input line and reports whether the user asked to quit.
func (a *App) handleLine(ctx context.Context, line string) bool {
	cmd, isCmd := parseCommand(line)
	if !isCmd {
		text := strings.TrimSpace(line)
		if strings.HasPrefix(text, "//") {
			text = text[1:]
		}
		if text == "" {
			return false
		}
		if _, err := a.sess.Send(text); err != nil {
			a.printf("! %s\n", describeError(err))
		}
		return false
	}

	switch cmd.name {
	case "quit", "exit":
		a.sess.Disconnect()
		return true

	case "peers":
		peers := a.sess.OnlinePeers()
		if len(peers) == 0 {
			a.printf("no peers online\n")
			return false
		}
		a.printf("online: %s\n", strings.Join(peers, ", "))

	case "select":
		if cmd.arg == "" {
			a.printf("usage: /select <id>\n")
			return false
		}
		a.sess.SelectPeer(cmd.arg)
		a.printf("talking to %s\n", a.sess.PeerID())

	case "history":
		peer := a.sess.PeerID()
		if peer == "" {
			a.printf("! %s\n", describeError(session.ErrNoRecipientSelected))
			return false
		}
		if err := a.sess.LoadHistory(ctx, peer); err != nil {
			a.printf("! %s\n", describeError(err))
			return false
		}
		for _, m := range a.sess.Conversation() {
			a.printf("%s\n", formatMessage(m, a.sess.LocalUserID()))
		}

	case "status":
		peer := a.sess.PeerID()
		if peer == "" {
			peer = "-"
		}
		a.printf("state %s, user %s, peer %s, %d online\n",
			a.sess.State(), a.sess.LocalUserID(), peer, len(a.sess.OnlinePeers()))
		if tr, ok := a.sess.LastTransition(); ok {
			a.printf("last change %s -> %s at %s (%s)\n", tr.From, tr.To, tr.At.Local().Format("15:04:05"), tr.Reason)
		}

	case "retry":
		if cmd.arg == "" {
			a.printf("usage: /retry <id>\n")
			return false
		}
		if _, err := a.sess.Retry(cmd.arg); err != nil {
			a.printf("! %s\n", describeError(err))
		}

	default:
		a.printf("unknown command /%s\n", cmd.name)
	}
	return false
}

// watch prints log, presence and connection events until ctx is done.
func (a *App) watch(ctx context.Context) {
	msgs, cancelMsgs := a.sess.SubscribeMessages()
	defer cancelMsgs()
	states := a.sess.SubscribeState()
	defer a.sess.UnsubscribeState(states)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-msgs:
			if !ok {
				return
			}
			if line := a.describeEvent(evt); line != "" {
				a.printf("%s\n", line)
			}
		case tr, ok := <-states:
			if !ok {
				return
			}
			a.printf("* %s (%s)\n", tr.To, tr.Reason)
		}
	}
}

func (a *App) describeEvent(evt chat.Event) string {
	local := a.sess.LocalUserID()
	switch evt.Type {
	case chat.EventAppend:
		// Own sends are echoed through EventReconcile.
		if evt.Message.Provisional {
			return ""
		}
		return formatMessage(evt.Message, local)
	case chat.EventReconcile:
		return formatMessage(evt.Message, local)
	case chat.EventFailed:
		return fmt.Sprintf("! not delivered: %q (/retry %s)", evt.Message.Text, evt.Message.ID)
	case chat.EventRemove:
		return fmt.Sprintf("~ withdrawn %s, resending %q", evt.Message.ID, evt.Message.Text)
	}
	return ""
}

func formatMessage(m chat.Message, local string) string {
	ts := m.Timestamp.Local().Format("15:04")
	from := m.SenderID
	if from == local {
		from = "me"
	}
	line := fmt.Sprintf("[%s] %s -> %s: %s", ts, from, m.ReceiverID, m.Text)
	switch {
	case m.Failed:
		line += " (failed)"
	case m.Provisional:
		line += " (sending)"
	}
	return line
}

func describeError(err error) string {
	switch {
	case errors.Is(err, session.ErrNoRecipientSelected):
		return "select a peer first: /select <id>"
	case errors.Is(err, session.ErrNotConnected):
		return "not connected"
	case errors.Is(err, session.ErrNotRetryable):
		return "that message has not failed"
	default:
		return err.Error()
	}
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
