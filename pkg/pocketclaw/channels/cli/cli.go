// Package cli implements a line-oriented channel over an io.Reader and
// io.Writer, normally stdin and stdout. Every line is one message in the
// "direct" chat.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
)

// ChatID is the conversation every CLI line belongs to.
const ChatID = "direct"

// CLI implements channels.Channel.
type CLI struct {
	*channels.Base
	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a CLI channel reading from in and writing replies to out.
func New(in io.Reader, out io.Writer, pub channels.InboundPublisher, logger *slog.Logger) *CLI {
	return &CLI{
		Base: channels.NewBase("cli", pub, nil, logger),
		in:   in,
		out:  out,
	}
}

// Start reads lines in the background until EOF or Stop. The reader is not
// interruptible; Stop returns without waiting for a blocked read.
func (c *CLI) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetRunning(true)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				c.HandleMessage("user", ChatID, line, nil, nil)
			}
		}
	}()
	return nil
}

// Stop ends the loop.
func (c *CLI) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.SetRunning(false)
	return nil
}

// Send prints a reply.
func (c *CLI) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s\n", msg.Content)
	return err
}

var _ channels.Channel = (*CLI)(nil)
