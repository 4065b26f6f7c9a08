// Package catalog keeps the actors a session can address and the RPCs each
// one exposes.
//
// Every RPC is indexed as a tool in the actor's namespace, so RPCs are
// addressed as "actor:rpc" and can be found with BM25 search over names,
// descriptions and tags.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/tooldiscovery/search"
	"github.com/jonwraymond/tooldiscovery/tooldoc"
	"github.com/jonwraymond/toolfoundation/model"
)

// Catalog errors.
var (
	ErrInvalidActor   = errors.New("invalid actor")
	ErrDuplicateActor = errors.New("actor already registered")
	ErrUnknownActor   = errors.New("unknown actor")
)

// Actor describes one addressable actor.
type Actor struct {
	// Name is the catalog name and the namespace of the actor's RPCs.
	Name string `json:"name" yaml:"name"`

	// ID is the actor id passed to the manager.
	ID string `json:"id" yaml:"id"`

	// RPCs are the names bound for every request against the actor.
	RPCs []string `json:"rpcs" yaml:"rpcs"`

	// Description is optional and feeds search.
	Description string `json:"description,omitempty" yaml:"description"`

	// Docs optionally describes individual RPCs, keyed by RPC name.
	Docs map[string]string `json:"docs,omitempty" yaml:"docs"`

	// Tags are optional search tags applied to every RPC.
	Tags []string `json:"tags,omitempty" yaml:"tags"`
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	actors map[string]Actor
	index  index.Index
	docs   *tooldoc.InMemoryStore
}

// New creates an empty catalog.
func New() *Catalog {
	idx := index.NewInMemoryIndex(index.IndexOptions{
		Searcher: search.NewBM25Searcher(search.BM25Config{}),
	})
	return &Catalog{
		actors: make(map[string]Actor),
		index:  idx,
		docs:   tooldoc.NewInMemoryStore(tooldoc.StoreOptions{Index: idx}),
	}
}

// Register adds a and indexes its RPCs.
func (c *Catalog) Register(a Actor) error {
	if a.Name == "" || strings.Contains(a.Name, ":") {
		return fmt.Errorf("%w: name %q", ErrInvalidActor, a.Name)
	}
	if a.ID == "" {
		return fmt.Errorf("%w: %s has no id", ErrInvalidActor, a.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.actors[a.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateActor, a.Name)
	}

	a.RPCs = slices.Compact(slices.Sorted(slices.Values(a.RPCs)))
	for _, rpc := range a.RPCs {
		if err := c.index.RegisterTool(rpcTool(a, rpc), model.NewLocalBackend(a.ID)); err != nil {
			return fmt.Errorf("index %s:%s: %w", a.Name, rpc, err)
		}
		if summary := a.Docs[rpc]; summary != "" {
			if err := c.docs.RegisterDoc(a.Name+":"+rpc, tooldoc.DocEntry{Summary: summary}); err != nil {
				return fmt.Errorf("document %s:%s: %w", a.Name, rpc, err)
			}
		}
	}
	c.actors[a.Name] = a
	return nil
}

func rpcTool(a Actor, rpc string) model.Tool {
	desc := a.Docs[rpc]
	if desc == "" {
		desc = fmt.Sprintf("RPC %s of actor %s", rpc, a.Name)
	}
	if a.Description != "" {
		desc += ". " + a.Description
	}
	return model.Tool{
		Tool: mcp.Tool{
			Name:        rpc,
			Description: desc,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"args": map[string]any{"type": "array"},
				},
			},
		},
		Namespace: a.Name,
		Tags:      append([]string{"rpc"}, a.Tags...),
	}
}

// Lookup returns the actor registered under name.
func (c *Catalog) Lookup(name string) (Actor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actors[name]
	return a, ok
}

// RPCs returns the sorted RPC names of the named actor, or nil when it is
// unknown.
func (c *Catalog) RPCs(name string) []string {
	a, ok := c.Lookup(name)
	if !ok {
		return nil
	}
	return slices.Clone(a.RPCs)
}

// Actors returns the registered actor names in sorted order.
func (c *Catalog) Actors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.actors))
	for name := range c.actors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search ranks RPCs across all actors against query.
func (c *Catalog) Search(query string, limit int) ([]index.Summary, error) {
	return c.index.Search(query, limit)
}

// Describe returns the documentation of an RPC addressed as "actor:rpc".
func (c *Catalog) Describe(id string) (tooldoc.ToolDoc, error) {
	name, _, ok := strings.Cut(id, ":")
	if !ok {
		return tooldoc.ToolDoc{}, fmt.Errorf("%w: %q is not actor:rpc", ErrUnknownActor, id)
	}
	if _, ok := c.Lookup(name); !ok {
		return tooldoc.ToolDoc{}, fmt.Errorf("%w: %s", ErrUnknownActor, name)
	}
	return c.docs.DescribeTool(id, tooldoc.DetailFull)
}
