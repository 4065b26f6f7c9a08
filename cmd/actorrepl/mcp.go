package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/rivet-gg/actorrepl/catalog"
	"github.com/rivet-gg/actorrepl/config"
	"github.com/rivet-gg/actorrepl/store"
)

const defaultSearchLimit = 10

func createMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve run_code and search_rpcs as MCP tools over stdio",
		Long: `Serve the REPL to MCP clients over standard input and output.

Tools:
  run_code     run a snippet against an actor and return its logs and result
  search_rpcs  search the RPCs of the configured actors

Logs go to standard error.`,
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
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx := cmd.Context()
			sess, err := openSession(ctx, cfg, "", logger)
			if err != nil {
				return err
			}
			defer sess.Close()

			tools := &mcpTools{sess: sess, cfg: cfg, cat: cat}
			return tools.server().Run(ctx, &mcp.StdioTransport{})
		},
	}
}

// runCodeInput selects the actor by catalog name or by id.
type runCodeInput struct {
	Code    string   `json:"code" jsonschema:"TypeScript or JavaScript snippet to run"`
	Actor   string   `json:"actor,omitempty" jsonschema:"actor name from the configuration"`
	ActorID string   `json:"actor_id,omitempty" jsonschema:"actor id, overrides the configured one"`
	RPCs    []string `json:"rpcs,omitempty" jsonschema:"additional RPC names to bind"`
}

type runCodeOutput struct {
	Status store.Status `json:"status"`
	Logs   []logLine    `json:"logs"`
	Result any          `json:"result,omitempty"`
	Error  any          `json:"error,omitempty"`
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type searchInput struct {
	Query string `json:"query" jsonschema:"words to match against RPC names and descriptions"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

type searchOutput struct {
	Results []rpcMatch `json:"results"`
}

type rpcMatch struct {
	ID          string `json:"id"`
	Actor       string `json:"actor"`
	RPC         string `json:"rpc"`
	Description string `json:"description"`
}

// mcpTools implements the MCP tools on top of one session.
type mcpTools struct {
	sess *session
	cfg  config.Config
	cat  *catalog.Catalog
}

func (t *mcpTools) server() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "actorrepl", Version: version}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_code",
		Description: "Run a snippet against an actor. RPCs are bound as async functions and as methods of the actor object.",
	}, t.runCode)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_rpcs",
		Description: "Search the RPCs of the configured actors.",
	}, t.searchRPCs)
	return server
}

func (t *mcpTools) runCode(ctx context.Context, _ *mcp.CallToolRequest, in runCodeInput) (*mcp.CallToolResult, runCodeOutput, error) {
	if in.Code == "" {
		return nil, runCodeOutput{}, errors.New("code is required")
	}
	tf := targetFlags{actor: in.Actor, actorID: in.ActorID, rpcs: in.RPCs}
	target, err := tf.resolve(t.cat)
	if err != nil {
		return nil, runCodeOutput{}, err
	}

	key, err := t.sess.RunCode(ctx, target.params(t.cfg, in.Code))
	if err != nil {
		return nil, runCodeOutput{}, err
	}
	cmd, err := t.sess.Wait(ctx, key)
	if err != nil {
		return nil, runCodeOutput{}, err
	}

	out, err := commandOutput(cmd)
	if err != nil {
		return nil, runCodeOutput{}, err
	}
	// A failed snippet is a tool error the client can read, not a protocol
	// failure.
	var res *mcp.CallToolResult
	if cmd.Status == store.StatusError {
		res = &mcp.CallToolResult{IsError: true}
	}
	return res, out, nil
}

func commandOutput(cmd store.Command) (runCodeOutput, error) {
	out := runCodeOutput{Status: cmd.Status, Logs: make([]logLine, 0, len(cmd.Logs))}
	for _, l := range cmd.Logs {
		out.Logs = append(out.Logs, logLine{Level: l.Level, Message: l.Message})
	}
	if len(cmd.Result) > 0 {
		if err := json.Unmarshal(cmd.Result, &out.Result); err != nil {
			return runCodeOutput{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(cmd.Error) > 0 {
		if err := json.Unmarshal(cmd.Error, &out.Error); err != nil {
			return runCodeOutput{}, fmt.Errorf("decode error: %w", err)
		}
	}
	return out, nil
}

func (t *mcpTools) searchRPCs(_ context.Context, _ *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, searchOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	summaries, err := t.cat.Search(in.Query, limit)
	if err != nil {
		return nil, searchOutput{}, err
	}
	out := searchOutput{Results: make([]rpcMatch, 0, len(summaries))}
	for _, s := range summaries {
		out.Results = append(out.Results, rpcMatch{
			ID:          s.ID,
			Actor:       s.Namespace,
			RPC:         s.Name,
			Description: s.ShortDescription,
		})
	}
	return nil, out, nil
}
