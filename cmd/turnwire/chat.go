package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/draftnote/turnwire"
	"github.com/draftnote/turnwire/appserver"
	"github.com/draftnote/turnwire/config"
	"github.com/draftnote/turnwire/threadstore"
)

func runChat(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	vault := cfg.WorkingDir
	if vault == "" {
		vault, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
	}

	store, err := threadstore.Open(filepath.Join(filepath.Dir(path), "threads.json"))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	provider := config.NewProvider(cfg, func() string { return store.Get(vault) })
	client := appserver.New(provider,
		appserver.WithLogger(logger),
		appserver.WithVaultRoot(func() string { return vault }),
		appserver.WithOnThreadIDChanged(func(id string) {
			if err := store.Put(vault, id); err != nil {
				logger.Warn("persist thread id", zap.Error(err))
			}
		}),
		appserver.WithOnSystemMessage(func(text string) {
			fmt.Fprintln(out, "! "+text)
		}),
	)
	defer client.Dispose()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(out, "turnwire "+version+" — /new starts a fresh thread, /restart restarts the agent, /quit exits")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if name, ok := replCommand(line); ok {
			switch name {
			case "quit", "exit":
				return nil
			case "new":
				id, err := client.NewThread(ctx)
				if err != nil {
					fmt.Fprintln(out, "! new thread failed:", err)
					continue
				}
				fmt.Fprintln(out, "! started thread "+id)
			case "restart":
				if err := client.Restart(ctx); err != nil {
					fmt.Fprintln(out, "! restart failed:", err)
					continue
				}
				fmt.Fprintln(out, "! agent restarted")
			default:
				fmt.Fprintln(out, "! unknown command: /"+name)
			}
			continue
		}

		res, err := client.SendTurn(ctx, line, turnwire.TurnHandlers{
			OnDelta:     func(s string) { fmt.Fprint(out, s) },
			OnToolDelta: func(s string) { fmt.Fprint(out, s) },
			OnSystem:    func(s string) { fmt.Fprintln(out, "! "+s) },
		})
		fmt.Fprintln(out)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(out, "! turn failed:", err)
			continue
		}
		if res.Status != turnwire.TurnCompleted {
			logger.Warn("turn did not complete",
				zap.String("status", string(res.Status)),
				zap.String("error", res.ErrorMessage))
		}
	}
}

// replCommand parses a /command line. Returns ok=false for ordinary prompts.
func replCommand(line string) (string, bool) {
	if !strings.HasPrefix(line, "/") {
		return "", false
	}
	name := strings.TrimPrefix(strings.Fields(line)[0], "/")
	return strings.ToLower(name), name != ""
}
