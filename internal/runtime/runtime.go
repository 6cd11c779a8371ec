package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/miko-core/internal/animation"
	"github.com/loqalabs/miko-core/internal/asr"
	"github.com/loqalabs/miko-core/internal/audio"
	"github.com/loqalabs/miko-core/internal/bus"
	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/console"
	"github.com/loqalabs/miko-core/internal/conversation"
	"github.com/loqalabs/miko-core/internal/eventstore"
	"github.com/loqalabs/miko-core/internal/llm"
	"github.com/loqalabs/miko-core/internal/natsserver"
	"github.com/loqalabs/miko-core/internal/speech"
	"golang.org/x/sync/errgroup"
)

// Runtime owns every component of one VTuber session, from greeting to
// farewell.
type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	ready      atomic.Bool

	host      audio.Host
	generator llm.Generator
	stdin     io.Reader
	stdout    io.Writer

	sessionID  string
	store      *eventstore.Store
	recorder   *eventstore.Recorder
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	closeHost  func() error
	catalog    *audio.Catalog
	selection  *audio.SelectionStore
	engine     *audio.Engine
	tts        *speech.Client
	speech     *speech.Serializer
	viewers    *animation.Bus
	mailbox    *animation.Mailbox
	animServer *animation.Server
	orch       *conversation.Orchestrator
	chat       *sessionChat
	bridge     *conversation.Bridge
	asr        *asr.Service
	console    *console.Console
}

type Option func(*Runtime)

// WithHost replaces the malgo audio backend.
func WithHost(host audio.Host) Option { return func(r *Runtime) { r.host = host } }

// WithGenerator replaces the configured LLM backend.
func WithGenerator(gen llm.Generator) Option { return func(r *Runtime) { r.generator = gen } }

// WithConsole attaches the interactive console to in and out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(r *Runtime) {
		r.stdin = in
		r.stdout = out
	}
}

// WithConfigPath enables hot reload of personality and voice from path.
func WithConfigPath(path string) Option { return func(r *Runtime) { r.configPath = path } }

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start builds the pipeline, greets, and blocks until ctx is cancelled or the
// console quits. Shutdown says farewell and drains speech before returning.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	defer r.release()
	if err := r.build(ctx); err != nil {
		return err
	}

	// Speech, signals and viewers outlive the front ends so the farewell can
	// still be heard and animated.
	tailCtx, stopTail := context.WithCancel(context.Background())
	defer stopTail()
	tail, tailCtx := errgroup.WithContext(tailCtx)
	tail.Go(func() error { return r.mailbox.Run(tailCtx) })
	if r.animServer != nil {
		tail.Go(func() error {
			if err := r.animServer.Serve(tailCtx); err != nil {
				r.logger.Error("animation server stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	r.speech.Start(tailCtx)

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:              net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port)),
			Handler:           r.routes(metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			r.logger.Info("http api listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if r.configPath != "" {
		watcher := config.NewWatcher(r.configPath, 2*time.Second, r.applyConfig, r.logger)
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	if r.console != nil {
		g.Go(func() error {
			defer cancel()
			return r.console.Run(gctx)
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session_id", r.sessionID),
		slog.String("persona", r.orch.Personality().Name),
		slog.Bool("bus", r.bus != nil),
		slog.String("animation_addr", r.animationAddr()))
	r.orch.Greet()

	<-gctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	if r.bridge != nil {
		r.bridge.Close()
	}
	runErr := g.Wait()

	r.chat.Farewell()
	// The worker exits only after the farewell has played.
	wait := r.drainWait() + time.Duration(r.cfg.Conversation.ShutdownWaitMS)*time.Millisecond
	if err := r.speech.Shutdown(wait); err != nil {
		r.logger.Warn("speech did not drain", slog.String("error", err.Error()))
	}
	stopTail()
	r.engine.Stop()
	engineCtx, cancelEngine := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelEngine()
	if err := r.engine.Wait(engineCtx); err != nil {
		r.logger.Warn("playback did not stop", slog.String("error", err.Error()))
	}
	if err := tail.Wait(); err != nil {
		r.logger.Warn("signal loop error", slog.String("error", err.Error()))
	}
	return runErr
}

// build wires the components in dependency order. release undoes whatever
// part of it succeeded.
func (r *Runtime) build(ctx context.Context) error {
	var err error
	r.sessionID = uuid.NewString()
	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.StartSession(ctx, r.sessionID, r.cfg.Personality.Name); err != nil {
		r.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}
	r.recorder = eventstore.NewRecorder(r.store, r.sessionID, r.logger)

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	if r.host == nil {
		host, err := audio.NewMalgoHost(r.logger)
		if err != nil {
			return fmt.Errorf("init audio: %w", err)
		}
		r.host = host
		r.closeHost = host.Close
	}
	r.catalog = audio.NewCatalog(r.host)
	r.selection, err = audio.OpenSelectionStore(r.cfg.AudioDevices.SelectionPath, audio.Selection{
		OutputIndex: r.cfg.AudioDevices.OutputDeviceIndex,
		InputIndex:  r.cfg.AudioDevices.InputDeviceIndex,
	})
	if err != nil {
		return err
	}
	r.checkSelection()
	r.engine = audio.NewEngine(r.host, audio.OptionsFromConfig(r.cfg.Playback), r.logger)

	r.viewers = animation.NewBus(time.Duration(r.cfg.Animation.SendTimeoutMS)*time.Millisecond, r.logger)
	sinks := []animation.Sink{r.viewers}
	if r.bus != nil {
		sinks = append(sinks, animation.NewBusSink(r.bus))
	}
	r.mailbox = animation.NewMailbox(r.cfg.Animation.MailboxSize, r.logger, sinks...)
	if r.cfg.Animation.Enabled {
		srv := animation.NewServer(r.cfg.Animation, r.viewers, r.logger)
		if err := srv.Listen(); err != nil {
			r.logger.Error("animation server unavailable, continuing without viewers", slog.String("error", err.Error()))
		} else {
			r.animServer = srv
		}
	}

	r.tts = speech.NewClient(r.cfg.TTS)
	r.speech = speech.NewSerializer(r.tts, r.engine, r.mailbox,
		speech.OptionsFromConfig(r.cfg.TTS, r.cfg.Playback), r.logger,
		speech.WithRecorder(r.recorder),
		speech.WithDevice(r.selection.Output))

	if r.generator == nil {
		r.generator, err = llm.NewGenerator(r.cfg)
		if err != nil {
			return fmt.Errorf("init llm: %w", err)
		}
	}
	r.orch = conversation.New(r.generator, r.speech, r.cfg.Personality,
		conversation.OptionsFromConfig(r.cfg), r.logger,
		conversation.WithRecorder(r.recorder))
	r.chat = &sessionChat{Orchestrator: r.orch}

	if r.bus != nil {
		r.bridge = conversation.NewBridge(ctx, r.bus, r.orch, r.speech, r.logger)
		if err := r.bridge.Start(); err != nil {
			return fmt.Errorf("subscribe bus bridge: %w", err)
		}
	}

	if r.cfg.ASR.Enabled {
		if err := r.startASR(); err != nil {
			r.logger.Error("push-to-talk unavailable", slog.String("error", err.Error()))
		}
	}

	if r.stdin != nil {
		opts := []console.Option{console.WithSpeechState(r.speech, r.drainWait())}
		if r.asr != nil {
			opts = append(opts, console.WithPushToTalk(r.asr))
		}
		r.console = console.New(r.stdin, r.stdout, r.chat, r.catalog, r.selection, r.logger, opts...)
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.natsServer = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	return nil
}

func (r *Runtime) startASR() error {
	recognizer, err := asr.NewRecognizer(r.cfg.ASR)
	if err != nil {
		return err
	}
	opts := []asr.Option{asr.WithInputDevice(r.selection.Input)}
	if r.bus != nil {
		opts = append(opts, asr.WithPublisher(r.bus))
	}
	r.asr = asr.NewService(r.cfg.ASR, r.host, recognizer, r.handleTranscript, r.logger, opts...)
	return nil
}

func (r *Runtime) handleTranscript(ctx context.Context, text string) {
	if r.console != nil {
		r.console.Answer(ctx, text)
		return
	}
	if _, err := r.orch.Chat(ctx, text, speech.SourceASR); err != nil {
		r.logger.Warn("voice turn failed", slog.String("error", err.Error()))
	}
}

// checkSelection falls back to the system default when a stored device is no
// longer present.
func (r *Runtime) checkSelection() {
	sel := r.selection.Current()
	if sel.OutputIndex != nil {
		if _, err := r.catalog.Resolve(audio.Output, sel.OutputIndex); err != nil {
			r.logger.Warn("saved output device unavailable, using system default", slog.String("error", err.Error()))
			_ = r.selection.SetOutput(nil)
		}
	}
	if sel.InputIndex != nil {
		if _, err := r.catalog.Resolve(audio.Input, sel.InputIndex); err != nil {
			r.logger.Warn("saved input device unavailable, using system default", slog.String("error", err.Error()))
			_ = r.selection.SetInput(nil)
		}
	}
}

// applyConfig takes the parts of a reloaded config that can change while
// running.
func (r *Runtime) applyConfig(cfg config.Config) {
	r.orch.SetPersonality(cfg.Personality)
	r.tts.SetVoice(cfg.TTS)
	r.logger.Info("personality and voice updated", slog.String("persona", cfg.Personality.Name))
}

func (r *Runtime) animationAddr() string {
	if r.animServer == nil {
		return ""
	}
	return r.animServer.Addr()
}

func (r *Runtime) release() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.closeHost != nil {
		if err := r.closeHost(); err != nil {
			r.logger.Warn("audio shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("event store close error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) drainWait() time.Duration {
	return time.Duration(r.cfg.Conversation.DrainWaitMS) * time.Millisecond
}

// sessionChat says farewell at most once, whether the console or a signal
// ends the session.
type sessionChat struct {
	*conversation.Orchestrator
	once sync.Once
}

func (c *sessionChat) Farewell() string {
	var text string
	c.once.Do(func() { text = c.Orchestrator.Farewell() })
	if text == "" {
		text = c.Personality().Farewell
	}
	return text
}
