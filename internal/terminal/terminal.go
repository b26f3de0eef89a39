// Package terminal is a line-oriented front end for a chat controller.
package terminal

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/xaenox/chat-dataset/internal/attachment"
)

// Conversation is the part of the controller the terminal drives.
type Conversation interface {
	SendMessage(text string)
	Ready() <-chan struct{}
	Settled() <-chan struct{}
}

// DrainFunc waits until replies already requested have been delivered.
type DrainFunc func(ctx context.Context) error

// Presenter prints controller notifications. Writes are serialized so the
// input loop can report its own errors on the same writer.
type Presenter struct {
	mu      sync.Mutex
	out     io.Writer
	loading int

	user      *color.Color
	assistant *color.Color
	status    *color.Color
	failure   *color.Color
}

func NewPresenter(out io.Writer, noColor bool) *Presenter {
	p := &Presenter{
		out:       out,
		user:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen),
		status:    color.New(color.FgHiBlack),
		failure:   color.New(color.FgRed, color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{p.user, p.assistant, p.status, p.failure} {
			c.DisableColor()
		}
	}
	return p
}

func (p *Presenter) printf(c *color.Color, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.Fprintf(p.out, format, args...)
}

func (p *Presenter) UserMessageDisplayed(text string) {
	p.printf(p.user, "you> %s\n", text)
}

func (p *Presenter) AssistantMessageDisplayed(text string) {
	p.printf(p.assistant, "assistant> %s\n", text)
}

func (p *Presenter) LoadingStarted() {
	p.mu.Lock()
	p.loading++
	first := p.loading == 1
	p.mu.Unlock()

	if first {
		p.printf(p.status, "... waiting for reply\n")
	}
}

func (p *Presenter) LoadingStopped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading > 0 {
		p.loading--
	}
}

func (p *Presenter) ErrorDisplayed(text string) {
	p.printf(p.failure, "error> %s\n", text)
}

const help = `Commands:
  /file <path>   send the content of a text file
  /image <path>  send an image (png, jpg, jpeg, bmp, gif)
  /help          show this help
  /quit          leave the chat
Anything else is sent as a message.`

// Run reads lines from in until EOF, /quit or ctx is done. Nothing is read
// before the conversation's profile resolution has settled, so piped input
// is not dropped. At EOF, drain (when set) lets pending replies finish.
func Run(ctx context.Context, in io.Reader, conv Conversation, p *Presenter, drain DrainFunc) error {
	select {
	case <-conv.Settled():
	case <-ctx.Done():
		return nil
	}
	select {
	case <-conv.Ready():
	default:
		p.ErrorDisplayed("conversation profiles could not be resolved, messages may not be recorded")
	}

	lines := make(chan string)
	errs := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if err != nil {
				return err
			}
			if drain == nil {
				return nil
			}
			if err := drain(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case line := <-lines:
			if quit := handleLine(strings.TrimSpace(line), conv, p); quit {
				return nil
			}
		}
	}
}

func handleLine(line string, sender Conversation, p *Presenter) bool {
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		p.printf(p.status, "%s\n", help)
	case "/file":
		prompt, err := attachment.FilePrompt(arg)
		if err != nil {
			p.ErrorDisplayed(err.Error())
			return false
		}
		sender.SendMessage(prompt)
	case "/image":
		prompt, err := attachment.ImagePrompt(arg)
		if err != nil {
			p.ErrorDisplayed(err.Error())
			return false
		}
		sender.SendMessage(prompt)
	default:
		sender.SendMessage(line)
	}
	return false
}
