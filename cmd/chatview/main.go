package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"chatview/internal/app"
	"chatview/internal/config"
	"chatview/internal/devserver"
	"chatview/internal/engine"
	"chatview/internal/gateway"
	"chatview/internal/logging"
	"chatview/internal/store"
	"chatview/internal/types"
)

const usageText = `chatview is a terminal client for a chat gateway.

Usage:
  chatview <command> [flags]

Commands:
  ui        run the terminal UI (default)
  sessions  list sessions
  new       create a session
  history   print recent messages of a session
  send      append a user message to a session
  watch     follow a session headlessly, printing new messages
  serve     run an in-memory development gateway
  help      show help

Flags:
  -h, --help   show help

Examples:
  chatview
  chatview sessions
  chatview history main --limit 50
  chatview send main "hello there"
  chatview watch main
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		exitOnErr("ui", runUI(nil))
		return
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	case "ui":
		exitOnErr("ui", runUI(args[1:]))
	case "sessions":
		exitOnErr("sessions", runSessions(args[1:]))
	case "new":
		exitOnErr("new", runNew(args[1:]))
	case "history":
		exitOnErr("history", runHistory(args[1:]))
	case "send":
		exitOnErr("send", runSend(args[1:]))
	case "watch":
		exitOnErr("watch", runWatch(args[1:]))
	case "serve":
		exitOnErr("serve", runServe(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func loadClient() (config.Config, *gateway.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	tokenPath, err := cfg.ResolveTokenPath()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, gateway.New(cfg.GatewayBaseURL(), tokenPath), nil
}

func newEngine(cfg config.Config, client *gateway.Client, log logging.Logger) *engine.Engine {
	return engine.New(client,
		engine.WithLogger(log),
		engine.WithIntervals(engine.Intervals{
			Base:    cfg.Poll.BaseInterval(),
			Fast:    cfg.Poll.FastInterval(),
			Initial: cfg.Poll.InitialInterval(),
			Boost:   cfg.Poll.BoostWindow(),
		}),
	)
}

func runUI(args []string) error {
	fs := flag.NewFlagSet("ui", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	session := fs.String("session", "", "session to open")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, client, err := loadClient()
	if err != nil {
		return err
	}
	log := logging.Nop()

	statePath, err := config.StateDBPath()
	if err != nil {
		return err
	}
	states, err := store.Open(statePath)
	if err != nil {
		return err
	}
	defer states.Close()

	if *session != "" {
		ui, err := states.LoadUIState()
		if err != nil {
			return err
		}
		ui.ActiveSessionKey = *session
		if err := states.SaveUIState(ui); err != nil {
			return err
		}
	}

	eng := newEngine(cfg, client, log)
	return app.Run(client, eng, states, log)
}

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "KEY\tLABEL\tCREATED\tLAST ACTIVE")
	for _, session := range sessions {
		lastActive := "-"
		if session.LastActiveAt != nil {
			lastActive = session.LastActiveAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			session.Key,
			session.Label,
			session.CreatedAt.Local().Format("2006-01-02 15:04"),
			lastActive,
		)
	}
	return writer.Flush()
}

func runNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	label := fs.String("label", "", "session label")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session, err := client.CreateSession(ctx, *label)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, session.Key)
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 50, "number of messages to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("history requires a session key")
	}
	key := fs.Arg(0)

	_, client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := client.QueryDelta(ctx, key, gateway.DeltaQuery{Limit: *limit})
	if err != nil {
		return err
	}
	for _, item := range res.Items {
		fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", item.TS, item.Role, item.Text)
	}
	if res.HasOlder {
		fmt.Fprintln(os.Stderr, "(older messages not shown)")
	}
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("send requires a session key and message text")
	}
	key := fs.Arg(0)
	text := fs.Arg(1)

	_, client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, err := client.Append(ctx, key, types.MessageRoleUser, text)
	if err != nil {
		return err
	}
	if msg != nil {
		fmt.Fprintln(os.Stdout, msg.ID)
	}
	return nil
}

// runWatch follows a session without the TUI: the sync engine polls and
// every newly merged message is printed as it arrives.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("watch requires a session key")
	}
	key := fs.Arg(0)

	cfg, client, err := loadClient()
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel()))

	eng := newEngine(cfg, client, log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.SwitchSession(ctx, key); err != nil {
		return err
	}
	eng.Start()
	defer eng.Stop()

	printed := map[string]struct{}{}
	printNew := func() {
		view := eng.Snapshot()
		for _, item := range view.Items {
			id := item.ID
			if id == "" {
				id = item.TS + "|" + item.Text
			}
			if _, ok := printed[id]; ok {
				continue
			}
			printed[id] = struct{}{}
			fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", item.TS, item.Role, item.Text)
		}
	}
	printNew()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-eng.Changed():
			printNew()
		}
	}
}

// runServe hosts the in-memory development gateway so the UI has
// something to talk to without a real deployment.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	addr := fs.String("addr", "", "listen address (defaults to the configured gateway address)")
	echo := fs.Bool("echo", false, "answer user messages with an agent echo")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = cfg.GatewayAddress()
	}
	tokenPath, err := cfg.ResolveTokenPath()
	if err != nil {
		return err
	}
	token, err := devserver.LoadOrCreateToken(tokenPath)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel()))

	opts := []devserver.Option{}
	if *echo {
		opts = append(opts, devserver.WithEcho())
	}
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: devserver.New(token, opts...).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("development gateway listening", logging.F("addr", listenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func exitOnErr(label string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s error: %v\n", label, err)
	os.Exit(1)
}
