package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatbridge/pkg/bridge"
	"github.com/go-go-golems/chatbridge/pkg/chatstate"
	"github.com/go-go-golems/chatbridge/pkg/engine"
	"github.com/go-go-golems/chatbridge/pkg/transport"
	"github.com/go-go-golems/chatbridge/pkg/wsmirror"
)

type demoConfig struct {
	Endpoint   string            `yaml:"endpoint"`
	AuthHeader string            `yaml:"authHeader"`
	Headers    map[string]string `yaml:"headers"`
	Throttle   time.Duration     `yaml:"throttle"`
	Resume     bool              `yaml:"resume"`
}

func loadConfig(path string) (*demoConfig, error) {
	cfg := &demoConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

func main() {
	var (
		configPath string
		endpoint   string
		throttle   time.Duration
		resume     bool
		script     bool
		listen     string
		chatKey    string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "chatbridge-demo [prompt...]",
		Short: "Send a prompt through the bridge and print the streamed reply",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrapf(err, "invalid log level %q", logLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("endpoint") || cfg.Endpoint == "" {
				cfg.Endpoint = endpoint
			}
			if cmd.Flags().Changed("throttle") {
				cfg.Throttle = throttle
			}
			if cmd.Flags().Changed("resume") {
				cfg.Resume = resume
			}

			prompt := strings.Join(args, " ")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, prompt, script, listen, chatKey)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "YAML config file")
	root.Flags().StringVar(&endpoint, "endpoint", "http://localhost:8080/api/chat", "chat completion endpoint")
	root.Flags().DurationVar(&throttle, "throttle", 50*time.Millisecond, "cell update throttle window")
	root.Flags().BoolVar(&resume, "resume", false, "resume an in-flight stream on mount")
	root.Flags().BoolVar(&script, "script", false, "echo the prompt through a scripted transport instead of HTTP")
	root.Flags().StringVar(&listen, "listen", "", "serve the cell mirror over websockets on this address")
	root.Flags().StringVar(&chatKey, "chat-key", "", "chat identity key (generated when empty)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *demoConfig, prompt string, script bool, listen, chatKey string) error {
	opts := bridge.Options{
		ChatKey:  chatKey,
		Throttle: cfg.Throttle,
		Resume:   cfg.Resume,
		Transport: transport.Options{
			Endpoint:   cfg.Endpoint,
			AuthHeader: cfg.AuthHeader,
			Headers:    cfg.Headers,
		},
	}
	if cfg.AuthHeader != "" {
		opts.Transport.CredentialMode = transport.CredentialModeInclude
	}
	if script {
		opts.BuildTransport = func(transport.Options) (transport.Transport, error) {
			return transport.NewScriptTransport(
				transport.ScriptedCompletion("demo-reply", "you said: ", prompt),
			), nil
		}
	}

	b := bridge.New(opts)
	defer b.Close()

	if err := b.Mount(ctx); err != nil {
		return err
	}
	log.Info().Str("chat_id", b.IDCell().Load()).Msg("bridge mounted")

	// Registered after mount so the initial ready seed does not count as a
	// completed stream.
	done := make(chan struct{}, 1)
	unwatch := b.StatusCell().Watch(func(st chatstate.Status) {
		if st != chatstate.StatusStreaming {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unwatch()

	g, gctx := errgroup.WithContext(ctx)

	if listen != "" {
		pool := wsmirror.NewPool(b.IDCell().Load())
		mirror := wsmirror.Attach(b, pool)
		srv := &http.Server{Addr: listen, Handler: wsmirror.Handler(b, pool)}
		g.Go(func() error {
			log.Info().Str("addr", listen).Msg("serving cell mirror")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "mirror server failed")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			mirror.Detach()
			pool.CloseAll()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if prompt != "" {
		msg := chatstate.NewTextMessage("", "user", prompt)
		if err := b.SendMessage(ctx, msg, engine.SendOptions{}); err != nil {
			return errors.Wrap(err, "failed to send message")
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := b.ErrCell().Load(); err != nil {
			return errors.Wrap(err, "stream failed")
		}
		for _, m := range b.MessagesCell().Load() {
			fmt.Printf("%s: %s\n", m.Role, m.Text())
		}
	}

	if listen != "" {
		return g.Wait()
	}
	return nil
}
