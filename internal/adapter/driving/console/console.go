// Package console reads commands from the local terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/exfm/bob/internal/application"
)

// Caller is the caller identity of every console command.
const Caller = "shell"

const prompt = "bob> "

// Dispatcher runs a parsed command.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, caller string, args []string, responder application.Responder) string
}

// Console dispatches one command per input line and prints replies to its
// output. It is also the responder for those commands, so replies sent after
// a command returns (deploy progress) land on the same output.
type Console struct {
	in         io.Reader
	dispatcher Dispatcher
	prompt     bool

	mu  sync.Mutex
	out io.Writer
}

// New creates a Console. A prompt is printed only when in is a terminal.
func New(in io.Reader, out io.Writer, dispatcher Dispatcher) *Console {
	c := &Console{in: in, out: out, dispatcher: dispatcher}
	if f, ok := in.(*os.File); ok {
		c.prompt = term.IsTerminal(int(f.Fd()))
	}
	return c
}

// Run reads lines until in is exhausted or ctx is done. Empty lines are
// skipped.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	c.showPrompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		if line == "" {
			c.showPrompt()
			continue
		}
		name, args := application.ParseLine(line)
		slog.Debug("console command", "name", name)
		c.dispatcher.Dispatch(ctx, name, Caller, args, c)
		c.showPrompt()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading console input: %w", err)
	}
	return nil
}

// Respond prints text on its own line.
func (c *Console) Respond(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *Console) showPrompt() {
	if !c.prompt {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, prompt)
}
