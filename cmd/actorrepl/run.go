package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/rivet-gg/actorrepl/store"
)

// errSnippetFailed makes the process exit non-zero after the error was
// rendered.
var errSnippetFailed = errors.New("snippet failed")

func createRunCmd() *cobra.Command {
	var (
		tf     targetFlags
		expr   string
		remote string
		echo   bool
	)

	cmd := &cobra.Command{
		Use:   "run [FILE|-]",
		Short: "Run one snippet and print its output",
		Long: `Run one snippet against an actor and print its console output and result.

The snippet is taken from -e, from FILE, or from standard input when FILE is
"-". The command exits non-zero when the snippet fails.

Examples:
  # Call an RPC of a configured actor
  actorrepl run --actor counter -e 'await increment(5)'

  # Run a file against an actor id through a remote worker
  actorrepl run --actor-id 0f1c... --rpc getCount --remote ws://localhost:7070/worker script.ts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSnippet(cmd.InOrStdin(), expr, args)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cat, err := cfg.Catalog()
			if err != nil {
				return err
			}
			t, err := tf.resolve(cat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			logger := newLogger(cfg, cmd.ErrOrStderr())
			sess, err := openSession(ctx, cfg, remote, logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			key, err := sess.RunCode(ctx, t.params(cfg, code))
			if err != nil {
				return err
			}
			result, err := sess.Wait(ctx, key)
			if err != nil {
				return err
			}

			r := &renderer{out: cmd.OutOrStdout(), echo: echo}
			r.command(result)
			if result.Status == store.StatusError {
				cmd.SilenceErrors = true
				return errSnippetFailed
			}
			return nil
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVarP(&expr, "eval", "e", "", "Snippet to run")
	cmd.Flags().StringVar(&remote, "remote", "", "Websocket URL of a worker started with 'actorrepl serve'")
	cmd.Flags().BoolVar(&echo, "echo", false, "Print the highlighted snippet before its output")

	return cmd
}

// readSnippet returns the code selected by -e or the positional argument.
func readSnippet(stdin io.Reader, expr string, args []string) (string, error) {
	switch {
	case expr != "" && len(args) > 0:
		return "", errors.New("use either -e or a file, not both")
	case expr != "":
		return expr, nil
	case len(args) == 0:
		return "", errors.New("no snippet: pass -e CODE, a file, or - for stdin")
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading snippet: %w", err)
		}
		return string(data), nil
	}
}
