// Package console is the interactive terminal front end: typed lines become
// chat turns and slash commands manage devices and push-to-talk.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/miko-core/internal/asr"
	"github.com/loqalabs/miko-core/internal/audio"
	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/speech"
)

// Chatter is satisfied by *conversation.Orchestrator.
type Chatter interface {
	Chat(ctx context.Context, text string, source speech.Source) (string, error)
	Farewell() string
	Personality() config.PersonalityConfig
}

// PushToTalk is satisfied by *asr.Service.
type PushToTalk interface {
	Enabled() bool
	Recording() bool
	Toggle(ctx context.Context) (string, error)
}

// SpeechState is satisfied by *speech.Serializer.
type SpeechState interface {
	InFlight() bool
	Pending() int
}

type Console struct {
	in        io.Reader
	out       io.Writer
	chat      Chatter
	catalog   *audio.Catalog
	selection *audio.SelectionStore
	ptt       PushToTalk
	speech    SpeechState
	drainWait time.Duration
	log       *slog.Logger
}

type Option func(*Console)

func WithPushToTalk(p PushToTalk) Option { return func(c *Console) { c.ptt = p } }

// WithSpeechState makes quit wait, up to limit, for queued speech to finish.
func WithSpeechState(s SpeechState, limit time.Duration) Option {
	return func(c *Console) {
		c.speech = s
		c.drainWait = limit
	}
}

func New(in io.Reader, out io.Writer, chat Chatter, catalog *audio.Catalog, selection *audio.SelectionStore, log *slog.Logger, opts ...Option) *Console {
	c := &Console{
		in:        in,
		out:       out,
		chat:      chat,
		catalog:   catalog,
		selection: selection,
		log:       log.With(slog.String("component", "console")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run reads lines until quit or ctx is cancelled. Closed input leaves the
// runtime up until ctx ends.
func (c *Console) Run(ctx context.Context) error {
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
		if err := scanner.Err(); err != nil {
			c.log.Warn("console input failed", slog.String("error", err.Error()))
		}
	}()

	c.printf("Type a message, /devices, /device N|default, /input N|default, /talk, or quit.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.log.Info("console input closed")
				<-ctx.Done()
				return nil
			}
			if c.handle(ctx, strings.TrimSpace(line)) {
				return nil
			}
		}
	}
}

// handle runs one line and reports whether the user asked to quit.
func (c *Console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		c.quit(ctx)
		return true
	case "/devices":
		c.listDevices()
	case "/device":
		c.selectDevice(audio.Output, fields[1:])
	case "/input":
		c.selectDevice(audio.Input, fields[1:])
	case "/talk":
		c.talk(ctx)
	default:
		if strings.HasPrefix(fields[0], "/") {
			c.printf("Unknown command %s\n", fields[0])
			return false
		}
		c.converse(ctx, line, speech.SourceConsole)
	}
	return false
}

// Answer runs a chat turn for text that did not come from the keyboard, such
// as a push-to-talk transcript.
func (c *Console) Answer(ctx context.Context, text string) {
	c.printf("You (voice): %s\n", text)
	c.converse(ctx, text, speech.SourceASR)
}

func (c *Console) converse(ctx context.Context, text string, source speech.Source) {
	reply, err := c.chat.Chat(ctx, text, source)
	if err != nil {
		c.log.Warn("chat turn failed", slog.String("error", err.Error()))
	}
	if reply != "" {
		c.printf("%s: %s\n", c.chat.Personality().Name, reply)
	}
}

func (c *Console) quit(ctx context.Context) {
	c.printf("%s: %s\n", c.chat.Personality().Name, c.chat.Farewell())
	if c.speech == nil || c.drainWait <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.drainWait)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for c.speech.InFlight() || c.speech.Pending() > 0 {
		select {
		case <-ctx.Done():
			c.log.Warn("speech still queued at quit", slog.Int("pending", c.speech.Pending()))
			return
		case <-ticker.C:
		}
	}
}

func (c *Console) listDevices() {
	sel := c.selection.Current()
	c.printDevices("Output devices", audio.Output, sel.OutputIndex)
	c.printDevices("Input devices", audio.Input, sel.InputIndex)
}

func (c *Console) printDevices(title string, kind audio.DeviceKind, selected *int) {
	var (
		devices []audio.Device
		err     error
	)
	if kind == audio.Output {
		devices, err = c.catalog.OutputDevices()
	} else {
		devices, err = c.catalog.InputDevices()
	}
	if err != nil {
		c.printf("%s: unavailable (%v)\n", title, err)
		return
	}
	c.printf("%s:\n", title)
	if len(devices) == 0 {
		c.printf("  (none)\n")
	}
	for _, d := range devices {
		mark := " "
		if selected != nil && *selected == d.Index {
			mark = "*"
		}
		suffix := ""
		if d.IsDefault {
			suffix = " (default)"
		}
		c.printf(" %s %d: %s%s\n", mark, d.Index, d.Name, suffix)
	}
	if selected == nil {
		c.printf("  using system default\n")
	}
}

func (c *Console) selectDevice(kind audio.DeviceKind, args []string) {
	if len(args) != 1 {
		c.printf("Usage: /%s N|default\n", commandFor(kind))
		return
	}
	var index *int
	if !strings.EqualFold(args[0], "default") {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			c.printf("Invalid device index %q\n", args[0])
			return
		}
		index = &n
	}
	device, err := c.catalog.Resolve(kind, index)
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	if kind == audio.Output {
		err = c.selection.SetOutput(index)
	} else {
		err = c.selection.SetInput(index)
	}
	if err != nil {
		c.printf("Could not save selection: %v\n", err)
		return
	}
	c.log.Info("audio device selected", slog.String("kind", kind.String()), slog.String("device", device.Name))
	c.printf("%s device set to %s\n", kind, device.Name)
}

func (c *Console) talk(ctx context.Context) {
	if c.ptt == nil || !c.ptt.Enabled() {
		c.printf("Push-to-talk is disabled\n")
		return
	}
	_, err := c.ptt.Toggle(ctx)
	switch {
	case errors.Is(err, asr.ErrTooShort):
		c.printf("Recording too short, discarded\n")
	case errors.Is(err, asr.ErrSilent):
		c.printf("Heard only silence, discarded\n")
	case err != nil:
		c.printf("Push-to-talk failed: %v\n", err)
	case c.ptt.Recording():
		c.printf("Recording... type /talk again to stop\n")
	}
}

func commandFor(kind audio.DeviceKind) string {
	if kind == audio.Input {
		return "input"
	}
	return "device"
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}
