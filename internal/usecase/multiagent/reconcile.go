package multiagent

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
)

// ExtensionSpec describes one external tool provider.
type ExtensionSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

func (s ExtensionSpec) equal(o ExtensionSpec) bool {
	return s.Name == o.Name &&
		s.Command == o.Command &&
		slices.Equal(s.Args, o.Args) &&
		maps.Equal(s.Env, o.Env)
}

// Extension is a running tool provider exposed as a handler.
type Extension interface {
	domain.Handler
	Close() error
}

// ExtensionLauncher starts the provider described by spec and returns a
// handler for it. It is called without any registry lock held.
type ExtensionLauncher func(ctx context.Context, spec ExtensionSpec) (Extension, error)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Added   []string
	Removed []string
	Failed  map[string]error
}

// Changed reports whether the pass touched the registry.
func (r ReconcileResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

type activeExtension struct {
	spec ExtensionSpec
	ext  Extension
}

// Reconciler keeps the registry's dynamic categories in line with a desired
// set of extension specs. Passes are serialized.
type Reconciler struct {
	registry *Registry
	launch   ExtensionLauncher
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]activeExtension
}

// NewReconciler creates a Reconciler that starts providers with launch.
func NewReconciler(registry *Registry, launch ExtensionLauncher, log *slog.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		launch:   launch,
		logger:   logger.OrDiscard(log),
		active:   make(map[string]activeExtension),
	}
}

// Reconcile diffs specs against the running set. Removed providers are
// unregistered and closed. New or changed providers are launched in
// parallel and registered once ready. A provider that fails to launch is
// left out and retried on the next pass.
func (r *Reconciler) Reconcile(ctx context.Context, specs []ExtensionSpec) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := ReconcileResult{Failed: make(map[string]error)}

	desired := make(map[string]ExtensionSpec, len(specs))
	for _, s := range specs {
		name := domain.NewCategory(s.Name).String()
		if name == "" {
			continue
		}
		if domain.Category(name).IsWellKnown() {
			res.Failed[s.Name] = domain.NewDomainError("Reconciler.Reconcile", domain.ErrInvalidInput,
				"extension name collides with built-in category "+name)
			continue
		}
		s.Name = name
		desired[name] = s
	}

	for name, cur := range r.active {
		if _, keep := desired[name]; !keep {
			r.registry.Unregister(cur.ext.Category())
			r.closeExtension(name, cur.ext)
			delete(r.active, name)
			res.Removed = append(res.Removed, name)
		}
	}

	var toLaunch []ExtensionSpec
	for name, spec := range desired {
		if cur, ok := r.active[name]; !ok || !cur.spec.equal(spec) {
			toLaunch = append(toLaunch, spec)
		}
	}

	launched := make([]Extension, len(toLaunch))
	errs := make([]error, len(toLaunch))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range toLaunch {
		g.Go(func() error {
			ext, err := r.launch(gctx, spec)
			if err == nil && ext == nil {
				err = errors.New("launcher returned no extension")
			}
			launched[i], errs[i] = ext, err
			// Failures are per provider; the pass continues.
			return nil
		})
	}
	_ = g.Wait()

	for i, spec := range toLaunch {
		if errs[i] != nil {
			r.logger.Warn("extension launch failed", "name", spec.Name, "error", errs[i])
			res.Failed[spec.Name] = errs[i]
			continue
		}
		ext := launched[i]
		prev, replacing := r.active[spec.Name]
		r.registry.Register(ext)
		r.active[spec.Name] = activeExtension{spec: spec, ext: ext}
		if replacing {
			if prev.ext.Category() != ext.Category() {
				r.registry.Unregister(prev.ext.Category())
			}
			r.closeExtension(spec.Name, prev.ext)
		}
		res.Added = append(res.Added, spec.Name)
	}

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	if res.Changed() || len(res.Failed) > 0 {
		r.logger.Info("extensions reconciled",
			"added", res.Added, "removed", res.Removed, "failed", len(res.Failed), "active", len(r.active))
	}
	return res
}

// Active returns the names of running extensions, sorted.
func (r *Reconciler) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := slices.Collect(maps.Keys(r.active))
	sort.Strings(names)
	return names
}

// Close unregisters and closes every running extension.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, cur := range r.active {
		r.registry.Unregister(cur.ext.Category())
		if err := cur.ext.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.active, name)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) closeExtension(name string, ext Extension) {
	if err := ext.Close(); err != nil {
		r.logger.Warn("extension close failed", "name", name, "error", err)
	}
}
