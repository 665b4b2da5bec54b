// Package tasks maps configured task kinds to job executors.
//
// A kind is registered once with a Factory; every configured task of that
// kind gets its own executor built from the task's params.
package tasks

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"rosterd/internal/jobs"
)

// ErrUnknownKind is returned by Build for a kind nobody registered.
var ErrUnknownKind = errors.New("unknown task kind")

// Factory builds an executor from a task's params. It must validate params
// and fail fast; executors should not discover config errors at run time.
type Factory func(params map[string]any) (jobs.Executor, error)

type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: map[string]Factory{}}
}

// Register adds a kind. Registering the same kind twice is an error.
func (c *Catalog) Register(kind string, f Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errors.New("tasks: kind required")
	}
	if f == nil {
		return errors.Newf("tasks: %s: nil factory", kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.factories[kind]; dup {
		return errors.Newf("tasks: kind %q already registered", kind)
	}
	c.factories[kind] = f
	return nil
}

// MustRegister is Register for init-time wiring.
func (c *Catalog) MustRegister(kind string, f Factory) {
	if err := c.Register(kind, f); err != nil {
		panic(err)
	}
}

func (c *Catalog) Has(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[strings.TrimSpace(kind)]
	return ok
}

// Kinds lists registered kinds, sorted.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for k := range c.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Build(kind string, params map[string]any) (jobs.Executor, error) {
	kind = strings.TrimSpace(kind)
	c.mu.RLock()
	f, ok := c.factories[kind]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "%q", kind)
	}
	exec, err := f(params)
	if err != nil {
		return nil, errors.Wrapf(err, "%s params", kind)
	}
	return exec, nil
}

// decodeParams strictly decodes params into out: unknown keys are errors.
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "encode params")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, "decode params")
	}
	return nil
}
