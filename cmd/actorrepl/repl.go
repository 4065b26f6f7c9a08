package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rivet-gg/actorrepl/catalog"
	"github.com/rivet-gg/actorrepl/config"
)

const replHelp = `Commands:
  .help     show this help
  .reset    clear the session history
  .history  print every command of the session
  .actors   list configured actors
  .exit     leave the repl
End a line with \ to continue the snippet on the next line.`

func createReplCmd() *cobra.Command {
	var (
		tf     targetFlags
		remote string
	)

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session against an actor",
		Long: `Start a line-oriented session against an actor. Each snippet runs in a fresh
sandbox; actor state persists on the actor itself.

` + replHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			r := &repl{
				sess:   sess,
				cfg:    cfg,
				cat:    cat,
				target: t,
				in:     cmd.InOrStdin(),
				render: &renderer{out: cmd.OutOrStdout()},
			}
			return r.loop(ctx)
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVar(&remote, "remote", "", "Websocket URL of a worker started with 'actorrepl serve'")

	return cmd
}

type repl struct {
	sess   *session
	cfg    config.Config
	cat    *catalog.Catalog
	target target
	in     io.Reader
	render *renderer
}

func (r *repl) loop(ctx context.Context) error {
	out := r.render.out
	fmt.Fprintf(out, "actorrepl %s, actor %s, rpcs: %s\n", version, r.target.actorID, strings.Join(r.target.rpcs, ", "))
	fmt.Fprintln(out, `Type .help for commands.`)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var pending []string
	prompt := func() {
		if len(pending) == 0 {
			fmt.Fprint(out, promptStyle.Render("> "))
		} else {
			fmt.Fprint(out, promptStyle.Render(". "))
		}
	}

	for prompt(); scanner.Scan(); prompt() {
		line := scanner.Text()
		if cont, ok := strings.CutSuffix(line, `\`); ok {
			pending = append(pending, cont)
			continue
		}
		pending = append(pending, line)
		code := strings.Join(pending, "\n")
		pending = nil

		switch strings.TrimSpace(code) {
		case "":
			continue
		case ".exit":
			return nil
		case ".help":
			fmt.Fprintln(out, replHelp)
			continue
		case ".reset":
			r.sess.Reset()
			fmt.Fprintln(out, "session cleared")
			continue
		case ".history":
			for _, cmd := range r.sess.Snapshot() {
				(&renderer{out: out, echo: true}).command(cmd)
			}
			continue
		case ".actors":
			for _, name := range r.cat.Actors() {
				a, _ := r.cat.Lookup(name)
				fmt.Fprintf(out, "%s\t%s\t%s\n", name, a.ID, strings.Join(a.RPCs, ", "))
			}
			continue
		}

		key, err := r.sess.RunCode(ctx, r.target.params(r.cfg, code))
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		}
		cmd, err := r.sess.Wait(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		}
		r.render.command(cmd)
	}
	fmt.Fprintln(out)
	return scanner.Err()
}
