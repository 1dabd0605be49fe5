package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/samblam/edgemesh/internal/logger"
)

// RegoEngine evaluates a local Rego module with the embedded OPA SDK. It is
// the same request/response contract as HTTPEngine without the network hop.
type RegoEngine struct {
	query string
	path  string

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery

	watcher *fsnotify.Watcher
	done    chan struct{}
	closeMu sync.Once
}

// NewRegoEngine compiles the module at path for query (e.g.
// "data.edgemesh.authz.allow").
func NewRegoEngine(ctx context.Context, path, query string) (*RegoEngine, error) {
	e := &RegoEngine{query: query, path: path, done: make(chan struct{})}
	if err := e.reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// NewRegoEngineFromSource compiles an in-memory module, without file watching.
func NewRegoEngineFromSource(ctx context.Context, name, src, query string) (*RegoEngine, error) {
	e := &RegoEngine{query: query, done: make(chan struct{})}
	pq, err := prepare(ctx, name, src, query)
	if err != nil {
		return nil, err
	}
	e.prepared = pq
	return e, nil
}

func prepare(ctx context.Context, name, src, query string) (*rego.PreparedEvalQuery, error) {
	pq, err := rego.New(
		rego.Query(query),
		rego.Module(name, src),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module %q: %w", name, err)
	}
	return &pq, nil
}

func (e *RegoEngine) reload(ctx context.Context) error {
	src, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("read rego module: %w", err)
	}
	pq, err := prepare(ctx, filepath.Base(e.path), string(src), e.query)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.prepared = pq
	e.mu.Unlock()
	return nil
}

// Watch recompiles the module whenever its file changes. A module that fails
// to compile is logged and the previous one stays in force.
func (e *RegoEngine) Watch() error {
	if e.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors often replace files atomically, so watch the directory.
	if err := w.Add(filepath.Dir(e.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(e.path), err)
	}
	e.watcher = w

	log := logger.ForComponent("policy").WithField("file", e.path)
	target := filepath.Clean(e.path)
	go func() {
		for {
			select {
			case <-e.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := e.reload(context.Background()); err != nil {
					log.WithError(err).Error("rego reload failed, keeping previous module")
					continue
				}
				log.Info("rego module reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("rego watcher error")
			}
		}
	}()
	return nil
}

// Close stops file watching.
func (e *RegoEngine) Close() error {
	var err error
	e.closeMu.Do(func() {
		close(e.done)
		if e.watcher != nil {
			err = e.watcher.Close()
		}
	})
	return err
}

// Evaluate implements Engine.
func (e *RegoEngine) Evaluate(ctx context.Context, input Input) (bool, error) {
	e.mu.RLock()
	pq := e.prepared
	e.mu.RUnlock()
	if pq == nil {
		return false, fmt.Errorf("%w: no module loaded", ErrEngineUnavailable)
	}

	doc, err := toDocument(input)
	if err != nil {
		return false, fmt.Errorf("%w: encode input: %v", ErrEngineUnavailable, err)
	}

	rs, err := pq.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("%w: %v", ErrEngineTimeout, err)
		}
		return false, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("%w: undefined result", ErrResponseInvalid)
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: result is %T", ErrResponseInvalid, rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

// toDocument converts the typed input into the generic JSON shape OPA expects.
func toDocument(input Input) (map[string]interface{}, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
