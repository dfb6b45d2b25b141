package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dev-tams/npmretain/internal/config"
	"github.com/dev-tams/npmretain/internal/notify"
	"github.com/dev-tams/npmretain/internal/registry"
	"github.com/dev-tams/npmretain/internal/registry/memory"
)

const pkg = "@scope/pkg"

var runNow = time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)

// ciVersion names a CI build aged d days, an hour inside that day.
func ciVersion(d int) string {
	t := runNow.Add(-time.Duration(d) * 24 * time.Hour).Add(time.Hour)
	return fmt.Sprintf("1.0.0-ci.d%02d-%s", d, t.Format("20060102150405"))
}

func ciVersions(days ...int) []string {
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = ciVersion(d)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Package:  pkg,
		Registry: config.RegistryConfig{Command: "npm"},
		Retention: config.RetentionConfig{
			Days:      config.DefaultDays,
			KeepCount: config.DefaultKeepCount,
			Message:   config.DefaultDeprecationMessage,
		},
		Concurrency: 1,
		Metrics:     config.MetricsConfig{Job: config.DefaultMetricsJob},
	}
}

type RetentionRunSuite struct {
	suite.Suite
	reg *memory.Registry
	cfg *config.Config
	out *bytes.Buffer
	ctx context.Context
}

func TestRetentionRunSuite(t *testing.T) {
	suite.Run(t, new(RetentionRunSuite))
}

func (s *RetentionRunSuite) SetupTest() {
	s.reg = memory.New()
	s.cfg = testConfig()
	s.out = &bytes.Buffer{}
	s.ctx = context.Background()
}

func (s *RetentionRunSuite) deps() Deps {
	return Deps{
		Registry: s.reg,
		Logger:   log.New(io.Discard),
		Out:      s.out,
		Now:      func() time.Time { return runNow },
	}
}

func (s *RetentionRunSuite) run() *RetentionResult {
	res, err := RunRetentionWithResult(s.ctx, s.cfg, s.deps())
	s.Require().NoError(err)
	return res
}

func (s *RetentionRunSuite) TestKeepsNewestCountOrWithinWindow() {
	s.reg.Publish(pkg, "0.9.0", "1.0.0")
	s.reg.Publish(pkg, ciVersions(11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0)...)

	res := s.run()

	s.Equal(ciVersions(0, 1, 2, 3, 4, 5, 6, 7, 8, 9), res.Kept)
	s.Equal(ciVersions(10, 11), res.Deprecated)
	s.Empty(res.Failed)
	s.Equal(notify.StatusSuccess, res.Status())
	s.Equal([]string{"1.0.0"}, res.Releases)

	s.Equal(config.DefaultDeprecationMessage, s.reg.DeprecationMessage(pkg, ciVersion(10)))
	s.Equal(config.DefaultDeprecationMessage, s.reg.DeprecationMessage(pkg, ciVersion(11)))
	s.Empty(s.reg.DeprecationMessage(pkg, ciVersion(9)))
	s.Empty(s.reg.DeprecationMessage(pkg, "0.9.0"), "non-CI versions are never touched")

	s.Contains(s.out.String(), "Keeping 10 CI versions:\n  "+ciVersion(0)+"\n")
	s.Contains(s.out.String(), "Deprecated 2 CI versions")
}

func (s *RetentionRunSuite) TestSecondRunIsNoop() {
	s.reg.Publish(pkg, ciVersions(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11)...)

	first := s.run()
	s.Require().Len(first.Deprecated, 2)

	second := s.run()
	s.Equal(first.Kept, second.Kept)
	s.Empty(second.Deprecated)
	s.ElementsMatch(first.Deprecated, second.AlreadyDeprecated)
}

func (s *RetentionRunSuite) TestAlreadyDeprecatedIsExcludedFromBothSets() {
	// seven old versions; the newest one was deprecated by hand
	s.reg.Publish(pkg, ciVersions(20, 21, 22, 23, 24, 25, 26)...)
	s.reg.MarkDeprecated(pkg, ciVersion(20), "manual")

	res := s.run()

	s.Equal([]string{ciVersion(20)}, res.AlreadyDeprecated)
	s.Equal(ciVersions(21, 22, 23, 24, 25), res.Kept)
	s.Equal(ciVersions(26), res.Deprecated)
	s.Equal("manual", s.reg.DeprecationMessage(pkg, ciVersion(20)))
}

func (s *RetentionRunSuite) TestUnparseableDoesNotShiftCutoff() {
	broken := []string{"1.0.0-ci.nodate", "1.0.0-ci.bad-20261399000000"}
	s.reg.Publish(pkg, broken...)
	s.reg.Publish(pkg, ciVersions(20, 21, 22, 23, 24, 25, 26)...)

	res := s.run()

	s.Equal(broken, res.Unparseable)
	s.Equal(ciVersions(20, 21, 22, 23, 24), res.Kept)
	s.Equal(ciVersions(25, 26), res.Deprecated)
	s.NotContains(s.reg.MetadataCalls, broken[0])
	s.NotContains(s.reg.DeprecateCalls, broken[0])
	s.NotContains(s.reg.DeprecateCalls, broken[1])
}

func (s *RetentionRunSuite) TestEmptyListing() {
	res := s.run()

	s.Empty(res.Kept)
	s.Empty(res.Deprecated)
	s.Contains(s.out.String(), "Keeping 0 CI versions:")
}

func (s *RetentionRunSuite) TestListFailureDegradesToEmpty() {
	s.reg.Publish(pkg, ciVersions(30, 31, 32, 33, 34, 35)...)
	s.reg.FailList = true

	res := s.run()

	s.Empty(res.Kept)
	s.Empty(res.Deprecated)
	s.Empty(s.reg.DeprecateCalls)
}

func (s *RetentionRunSuite) TestDeprecationFailureContinues() {
	s.reg.Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20, 21, 22)...)
	s.reg.FailDeprecate[ciVersion(20)] = true

	res := s.run()

	s.Equal(ciVersions(20, 21, 22), s.reg.DeprecateCalls)
	s.Equal(ciVersions(21, 22), res.Deprecated)
	s.Equal(ciVersions(20), res.Failed)
	s.Equal(notify.StatusFailure, res.Status())
	s.Contains(s.out.String(), "Failed to deprecate 1 CI versions:")

	s.Require().NoError(RunRetention(s.ctx, s.cfg, s.deps()), "failures do not fail the run by default")
}

func (s *RetentionRunSuite) TestFailOnError() {
	s.reg.Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20)...)
	s.reg.FailDeprecate[ciVersion(20)] = true
	s.cfg.FailOnError = true

	err := RunRetention(s.ctx, s.cfg, s.deps())
	s.Require().Error(err)
	s.Contains(err.Error(), "1 deprecation(s) failed")
}

func (s *RetentionRunSuite) TestDryRunDoesNotDeprecate() {
	s.reg.Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20, 21)...)
	s.cfg.DryRun = true

	res := s.run()

	s.True(res.DryRun)
	s.Equal(ciVersions(20, 21), res.Planned)
	s.Empty(res.Deprecated)
	s.Empty(s.reg.DeprecateCalls)
	s.Contains(s.out.String(), "Would deprecate 2 CI versions")
}

func (s *RetentionRunSuite) TestMetadataFailureTreatedAsNotDeprecated() {
	s.reg.Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20)...)
	s.reg.MarkDeprecated(pkg, ciVersion(20), "manual")
	s.reg.FailMetadata[ciVersion(20)] = true

	res := s.run()

	s.Empty(res.AlreadyDeprecated)
	s.Equal(ciVersions(20), res.Deprecated)
}

func (s *RetentionRunSuite) TestConcurrentMetadataMatchesSequential() {
	versions := ciVersions(3, 15, 1, 12, 30, 7, 22, 0, 40, 11, 2, 9, 18)
	s.reg.Publish(pkg, versions...)
	s.reg.MarkDeprecated(pkg, ciVersion(12), "manual")

	s.cfg.DryRun = true
	sequential := s.run()

	s.cfg.Concurrency = 4
	concurrent := s.run()

	s.Equal(sequential.Kept, concurrent.Kept)
	s.Equal(sequential.Planned, concurrent.Planned)
	s.Equal(sequential.AlreadyDeprecated, concurrent.AlreadyDeprecated)
}

func (s *RetentionRunSuite) TestPlannedOnlyOnDryRun() {
	s.reg.Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20)...)

	res := s.run()

	s.Equal(ciVersions(20), res.Deprecated)
	s.Empty(res.Planned)
}

func (s *RetentionRunSuite) TestNilContext() {
	s.reg.Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20)...)
	s.cfg.Concurrency = 2
	s.ctx = nil

	var res *RetentionResult
	s.Require().NotPanics(func() { res = s.run() })
	s.Equal(ciVersions(20), res.Deprecated)
}

func (s *RetentionRunSuite) TestInvalidConfig() {
	s.cfg.Concurrency = 0
	_, err := RunRetentionWithResult(s.ctx, s.cfg, s.deps())
	s.Require().Error(err)
	s.Contains(err.Error(), "concurrency")
}

// decodeFailRegistry returns errors that are not registry.ErrUnavailable,
// like a CLI printing something that is not JSON.
type decodeFailRegistry struct {
	*memory.Registry
	failList bool
}

func (d decodeFailRegistry) ListVersions(ctx context.Context, p string) ([]string, error) {
	if d.failList {
		return nil, errors.New("decode versions: invalid character 'n'")
	}
	return d.Registry.ListVersions(ctx, p)
}

func (d decodeFailRegistry) GetMetadata(context.Context, string, string) (registry.Metadata, error) {
	return registry.Metadata{}, errors.New("decode metadata: unexpected end of JSON input")
}

func TestMalformedRegistryOutputAbortsRun(t *testing.T) {
	deps := Deps{
		Logger: log.New(io.Discard),
		Out:    io.Discard,
		Now:    func() time.Time { return runNow },
	}

	t.Run("listing", func(t *testing.T) {
		deps.Registry = decodeFailRegistry{Registry: memory.New(), failList: true}
		_, err := RunRetentionWithResult(context.Background(), testConfig(), deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list versions")
	})

	t.Run("metadata", func(t *testing.T) {
		reg := memory.New().Publish(pkg, ciVersions(0, 20)...)
		deps.Registry = decodeFailRegistry{Registry: reg}
		_, err := RunRetentionWithResult(context.Background(), testConfig(), deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metadata for")
		assert.Empty(t, reg.DeprecateCalls)
	})
}

func TestRunNotifiesAndPushesMetrics(t *testing.T) {
	var mu sync.Mutex
	var events []notify.Event
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e notify.Event
		_ = json.NewDecoder(r.Body).Decode(&e)
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	var pushedPath string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	cfg := testConfig()
	cfg.Package = "pkg"
	cfg.Notifications = []config.NotificationConfig{{
		Type:   "webhook",
		On:     []string{"both"},
		Config: config.NotificationDetails{URL: hook.URL},
	}}
	cfg.Metrics.PushgatewayURL = gateway.URL

	reg := memory.New().Publish("pkg", ciVersions(0, 1, 2, 3, 4, 20)...)
	res, err := RunRetentionWithResult(context.Background(), cfg, Deps{
		Registry: reg,
		Logger:   log.New(io.Discard),
		Out:      io.Discard,
		Now:      func() time.Time { return runNow },
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, res.RunID, events[0].RunID)
	assert.Equal(t, "pkg", events[0].Package)
	assert.Equal(t, notify.StatusSuccess, events[0].Status)
	assert.Equal(t, 5, events[0].Kept)
	assert.Equal(t, 1, events[0].Deprecated)

	assert.Equal(t, "/metrics/job/npmretain/package/pkg", pushedPath)
}

func TestDryRunSkipsChangeNotificationsAndMetrics(t *testing.T) {
	var hookHits, pushes int
	var mu sync.Mutex
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hookHits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		pushes++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	cfg := testConfig()
	cfg.DryRun = true
	cfg.Notifications = []config.NotificationConfig{{
		Type:   "webhook",
		On:     []string{"changes"},
		Config: config.NotificationDetails{URL: hook.URL},
	}}
	cfg.Metrics.PushgatewayURL = gateway.URL

	reg := memory.New().Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20, 30)...)
	res, err := RunRetentionWithResult(context.Background(), cfg, Deps{
		Registry: reg,
		Logger:   log.New(io.Discard),
		Out:      io.Discard,
		Now:      func() time.Time { return runNow },
	})
	require.NoError(t, err)

	assert.Equal(t, ciVersions(20, 30), res.Planned)
	assert.Empty(t, res.Deprecated)
	assert.Empty(t, reg.DeprecateCalls)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, hookHits, "a dry run changes nothing, so the changes hook stays quiet")
	assert.Zero(t, pushes, "a dry run must not replace the last real run's metrics")
}

func TestDryRunEventCarriesPlannedCount(t *testing.T) {
	var got notify.Event
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := testConfig()
	cfg.DryRun = true
	cfg.Notifications = []config.NotificationConfig{{
		Type:   "webhook",
		On:     []string{"success"},
		Config: config.NotificationDetails{URL: hook.URL},
	}}

	reg := memory.New().Publish(pkg, ciVersions(0, 1, 2, 3, 4, 20, 30)...)
	_, err := RunRetentionWithResult(context.Background(), cfg, Deps{
		Registry: reg,
		Logger:   log.New(io.Discard),
		Out:      io.Discard,
		Now:      func() time.Time { return runNow },
	})
	require.NoError(t, err)

	assert.True(t, got.DryRun)
	assert.Equal(t, 2, got.Planned)
	assert.Zero(t, got.Deprecated)
}

func TestNotificationContextSurvivesRunCancellation(t *testing.T) {
	type key string
	const k key = "run"

	parent, stop := context.WithCancel(context.WithValue(context.Background(), k, "r1"))
	stop()

	ctx, cancel := notificationContext(parent)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatalf("side-channel context should not be canceled by the run context")
	default:
	}
	assert.Equal(t, "r1", ctx.Value(k))

	dl, ok := ctx.Deadline()
	require.True(t, ok, "expected deadline to be set")
	remaining := time.Until(dl)
	assert.True(t, remaining > 0 && remaining <= notificationTimeout, "unexpected deadline window: %s", remaining)
}
