package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/mbiondo/scLogger/core"
	"github.com/mbiondo/scLogger/pkg/auth"
	"github.com/mbiondo/scLogger/pkg/selfcheck"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

type runFlags struct {
	listen   string
	keysFile string
	level    string
	session  string
	watch    bool
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log every line read from stdin through the configured sinks",
		Long: "Reads stdin line by line. A line starting with a level name followed by ':' or a space " +
			"is logged at that level, any other line at --level.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rf.run(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&rf.listen, "listen", "", "Address serving /metrics and /healthz, empty disables it")
	cmd.Flags().StringVar(&rf.keysFile, "api-keys", "", "YAML key file; when set /metrics and /healthz require an X-API-Key")
	cmd.Flags().StringVar(&rf.level, "level", "info", "Level of lines without a level prefix")
	cmd.Flags().StringVar(&rf.session, "session", "", "Session id stamped on every line, generated when empty")
	cmd.Flags().BoolVar(&rf.watch, "watch", true, "Reload the configuration file when it changes")
	return cmd
}

func (rf *runFlags) run(cmd *cobra.Command, flags *globalFlags) error {
	logger, err := flags.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defaultLevel, err := core.ParseLevel(rf.level)
	if err != nil {
		return err
	}
	cfg, err := flags.loadConfig(logger)
	if err != nil {
		return err
	}
	c, err := startCore(cfg, logger)
	if err != nil {
		return err
	}

	if rf.session == "" {
		rf.session = core.NewSessionID()
	}
	scope := c.Session(rf.session).WithAction("stdin")

	var g run.Group

	// stdin; EOF ends the group
	{
		reader := &lineReader{in: cmd.InOrStdin(), scope: scope, level: defaultLevel, stop: make(chan struct{})}
		g.Add(reader.run, func(error) { reader.interrupt() })
	}

	// configuration reload
	if rf.watch && flags.configFile != "" {
		watcher, err := core.WatchCore(flags.configFile, c, nil)
		if err != nil {
			_ = c.Shutdown()
			return err
		}
		done := make(chan struct{})
		g.Add(func() error {
			<-done
			return nil
		}, func(error) {
			watcher.Stop()
			close(done)
		})
	}

	// self-check endpoint
	if rf.listen != "" {
		var opts []selfcheck.Option
		if rf.keysFile != "" {
			store, err := auth.LoadKeys(rf.keysFile)
			if err != nil {
				_ = c.Shutdown()
				return err
			}
			logger.WithField("keys", store.IDs()).Info("Self-check endpoints require an API key")
			opts = append(opts, selfcheck.WithAuth(auth.NewMiddleware(store)))
		}
		srv, err := selfcheck.NewServer(c, rf.listen, "", opts...)
		if err != nil {
			_ = c.Shutdown()
			return fmt.Errorf("failed to start self-check server: %w", err)
		}
		logger.WithField("addr", srv.Addr()).Info("Self-check server listening")
		g.Add(srv.Run, func(error) {
			_ = srv.Shutdown()
		})
	}

	// signals
	{
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	logger.WithField("session", rf.session).Info("Reading stdin")
	runErr := g.Run()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	logger.WithField("dropped", c.Stats().Dropped()).Info("Shutting down")
	return errors.Join(runErr, c.Shutdown())
}

// lineReader logs stdin lines until EOF or interrupt
type lineReader struct {
	in    io.Reader
	scope *core.Scope
	level core.Level
	stop  chan struct{}
	once  sync.Once
}

func (r *lineReader) run() error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-r.stop:
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case line := <-lines:
			level, msg := splitLevel(line, r.level)
			if err := r.scope.Log(level, msg); err != nil {
				return err
			}
		case err := <-errCh:
			return err
		case <-r.stop:
			return nil
		}
	}
}

// interrupt stops run; a goroutine blocked reading in stays until the process exits
func (r *lineReader) interrupt() {
	r.once.Do(func() { close(r.stop) })
}

// splitLevel strips a leading "<level>:" or "<level> " and returns the level it names
func splitLevel(line string, def core.Level) (core.Level, string) {
	end := strings.IndexAny(line, ": ")
	if end <= 0 {
		return def, line
	}
	level, err := core.ParseLevel(line[:end])
	if err != nil {
		return def, line
	}
	return level, strings.TrimLeft(line[end+1:], " ")
}
