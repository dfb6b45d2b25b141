package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dev-tams/npmretain/internal/config"
	"github.com/dev-tams/npmretain/internal/metrics"
	"github.com/dev-tams/npmretain/internal/notify"
	"github.com/dev-tams/npmretain/internal/registry"
	"github.com/dev-tams/npmretain/internal/registry/npm"
	"github.com/dev-tams/npmretain/internal/retention"
)

const notificationTimeout = 5 * time.Second

// Deps are the collaborators of a run. Zero values fall back to the npm CLI,
// a stdout logger, stdout and time.Now.
type Deps struct {
	Registry registry.Registry
	Logger   *log.Logger
	Out      io.Writer
	Now      func() time.Time
}

type RetentionResult struct {
	RunID             string
	Package           string
	DryRun            bool
	Kept              []string
	Deprecated        []string
	Planned           []string // set instead of Deprecated on dry runs
	Failed            []string
	Unparseable       []string
	AlreadyDeprecated []string
	Releases          []string
	Duration          time.Duration
}

func (r *RetentionResult) Status() string {
	if len(r.Failed) > 0 {
		return notify.StatusFailure
	}
	return notify.StatusSuccess
}

// RunRetention enforces the retention policy once. Failed deprecations are
// logged and only turn into an error when cfg.FailOnError is set.
func RunRetention(ctx context.Context, cfg *config.Config, deps Deps) error {
	res, err := RunRetentionWithResult(ctx, cfg, deps)
	if err != nil {
		return err
	}
	if cfg.FailOnError && len(res.Failed) > 0 {
		return fmt.Errorf("%d deprecation(s) failed for %s", len(res.Failed), res.Package)
	}
	return nil
}

func RunRetentionWithResult(ctx context.Context, cfg *config.Config, deps Deps) (*RetentionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dispatcher, err := notify.NewDispatcher(cfg.Notifications)
	if err != nil {
		return nil, err
	}

	deps = withDefaults(cfg, deps)
	logger := deps.Logger

	started := deps.Now().UTC()
	res := &RetentionResult{
		RunID:   uuid.NewString(),
		Package: cfg.Package,
		DryRun:  cfg.DryRun,
	}
	logger.Debug("retention run started",
		"run", res.RunID,
		"package", cfg.Package,
		"days", cfg.Retention.Days,
		"keep", cfg.Retention.KeepCount,
		"dry_run", cfg.DryRun,
	)

	versions, err := listVersions(ctx, deps, cfg.Package)
	if err != nil {
		return nil, err
	}

	candidates, unparseable := classifyVersions(logger, versions)
	res.Unparseable = unparseable

	active, already, err := filterDeprecated(ctx, deps, cfg, candidates)
	if err != nil {
		return nil, err
	}
	res.AlreadyDeprecated = already

	plan := retention.Partition(active, started, retention.Policy{
		KeepCount: cfg.Retention.KeepCount,
		Window:    cfg.Retention.Window(),
	})
	res.Kept = retention.Versions(plan.Keep)
	res.Releases = retention.Releases(plan.Keep)

	if cfg.DryRun {
		res.Planned = planDeprecations(deps.Logger, plan.Deprecate)
	} else {
		res.Deprecated, res.Failed = deprecateAll(ctx, deps, cfg, plan.Deprecate)
	}
	res.Duration = deps.Now().UTC().Sub(started)

	printSummary(deps.Out, res)

	notifyResult(ctx, dispatcher, res, logger)
	if !res.DryRun {
		pushMetrics(ctx, cfg, res, deps)
	}

	return res, nil
}

func withDefaults(cfg *config.Config, deps Deps) Deps {
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Logger == nil {
		deps.Logger = log.NewWithOptions(deps.Out, log.Options{ReportTimestamp: true})
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Registry == nil {
		deps.Registry = npm.New(npm.Options{
			Command:     cfg.Registry.Command,
			RegistryURL: cfg.Registry.URL,
			Token:       cfg.Token,
		})
	}
	return deps
}

// listVersions degrades a failed registry call to an empty listing.
func listVersions(ctx context.Context, deps Deps, pkg string) ([]string, error) {
	versions, err := deps.Registry.ListVersions(ctx, pkg)
	if err != nil {
		if errors.Is(err, registry.ErrUnavailable) {
			deps.Logger.Error("could not list versions, continuing with none", "package", pkg, "err", err)
			return nil, nil
		}
		return nil, fmt.Errorf("list versions: %w", err)
	}
	deps.Logger.Debug("listed versions", "package", pkg, "count", len(versions))
	return versions, nil
}

func classifyVersions(logger *log.Logger, versions []string) ([]retention.CIVersion, []string) {
	var candidates []retention.CIVersion
	var unparseable []string
	for _, v := range versions {
		cv, ok, err := retention.Classify(v)
		if err != nil {
			logger.Warn("could not parse date from CI version", "version", v)
			unparseable = append(unparseable, v)
			continue
		}
		if !ok {
			continue
		}
		candidates = append(candidates, cv)
	}
	return candidates, unparseable
}

// filterDeprecated drops versions whose metadata carries a deprecation
// message. Fetches run with at most cfg.Concurrency in flight; results are
// slotted by index so the output keeps the listing order.
func filterDeprecated(ctx context.Context, deps Deps, cfg *config.Config, candidates []retention.CIVersion) ([]retention.CIVersion, []string, error) {
	deprecated := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, v := range candidates {
		i, v := i, v
		g.Go(func() error {
			md, err := deps.Registry.GetMetadata(gctx, cfg.Package, v.Version)
			if err != nil {
				if errors.Is(err, registry.ErrUnavailable) {
					deps.Logger.Error("could not fetch metadata, treating as not deprecated", "version", v.Version, "err", err)
					return nil
				}
				return fmt.Errorf("metadata for %s: %w", v.Version, err)
			}
			deprecated[i] = md.IsDeprecated()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	active := make([]retention.CIVersion, 0, len(candidates))
	var already []string
	for i, v := range candidates {
		if deprecated[i] {
			deps.Logger.Info("skipping deprecated version", "version", v.Version)
			already = append(already, v.Version)
			continue
		}
		active = append(active, v)
	}
	return active, already, nil
}

// deprecateAll runs one deprecation at a time and never stops on failure.
func deprecateAll(ctx context.Context, deps Deps, cfg *config.Config, versions []retention.CIVersion) (done, failed []string) {
	for _, v := range versions {
		deps.Logger.Info("deprecating version", "version", v.Version)
		if err := deps.Registry.Deprecate(ctx, cfg.Package, v.Version, cfg.Retention.Message); err != nil {
			deps.Logger.Error("failed to deprecate version", "version", v.Version, "err", err)
			failed = append(failed, v.Version)
			continue
		}
		deps.Logger.Info("successfully deprecated version", "version", v.Version)
		done = append(done, v.Version)
	}
	return done, failed
}

func planDeprecations(logger *log.Logger, versions []retention.CIVersion) []string {
	planned := make([]string, 0, len(versions))
	for _, v := range versions {
		logger.Info("dry run: would deprecate version", "version", v.Version)
		planned = append(planned, v.Version)
	}
	return planned
}

func printSummary(w io.Writer, res *RetentionResult) {
	verb, count := "Deprecated", len(res.Deprecated)
	if res.DryRun {
		verb, count = "Would deprecate", len(res.Planned)
	}

	fmt.Fprintf(w, "Keeping %d CI versions:\n", len(res.Kept))
	for _, v := range res.Kept {
		fmt.Fprintf(w, "  %s\n", v)
	}
	if len(res.Releases) > 0 {
		fmt.Fprintf(w, "Release lines kept: %s\n", strings.Join(res.Releases, ", "))
	}
	fmt.Fprintf(w, "%s %d CI versions\n", verb, count)
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "Failed to deprecate %d CI versions:\n", len(res.Failed))
		for _, v := range res.Failed {
			fmt.Fprintf(w, "  %s\n", v)
		}
	}
}

func notifyResult(ctx context.Context, dispatcher *notify.Dispatcher, res *RetentionResult, logger *log.Logger) {
	errMsg := ""
	if len(res.Failed) > 0 {
		errMsg = fmt.Sprintf("%d deprecation(s) failed", len(res.Failed))
	}

	event := notify.Event{
		RunID:             res.RunID,
		Package:           res.Package,
		Status:            res.Status(),
		DryRun:            res.DryRun,
		Kept:              len(res.Kept),
		Deprecated:        len(res.Deprecated),
		Planned:           len(res.Planned),
		Failed:            len(res.Failed),
		Unparseable:       len(res.Unparseable),
		AlreadyDeprecated: len(res.AlreadyDeprecated),
		Duration:          res.Duration.Round(time.Millisecond).String(),
		Error:             errMsg,
	}

	notifyCtx, cancel := notificationContext(ctx)
	defer cancel()

	if err := dispatcher.Notify(notifyCtx, event); err != nil {
		logger.Error("notification failed", "package", res.Package, "status", event.Status, "err", err)
	}
}

// pushMetrics is skipped for dry runs so a plan never replaces the last real
// run's series under the same job and package grouping.
func pushMetrics(ctx context.Context, cfg *config.Config, res *RetentionResult, deps Deps) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}

	m := metrics.New(res.Package)
	m.Observe(metrics.Snapshot{
		Kept:              len(res.Kept),
		Deprecated:        len(res.Deprecated),
		Failed:            len(res.Failed),
		Unparseable:       len(res.Unparseable),
		AlreadyDeprecated: len(res.AlreadyDeprecated),
		Duration:          res.Duration,
		FinishedAt:        deps.Now(),
	})

	pushCtx, cancel := notificationContext(ctx)
	defer cancel()

	if err := m.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		deps.Logger.Error("metrics push failed", "url", cfg.Metrics.PushgatewayURL, "err", err)
	}
}

func notificationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
}
