package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/you/cheerfx/internal/billing"
	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/media"
	"github.com/you/cheerfx/internal/store"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("ID3-audio"), nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []core.Notification
}

func (f *fakePublisher) Publish(_ context.Context, n core.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

type fakeReporter struct {
	err   error
	calls int
}

func (f *fakeReporter) CreateUsageRecord(_ context.Context, item string, qty int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "ur-" + item + "-" + strconv.Itoa(qty), nil
}

type fixture struct {
	store    *store.SQLiteStore
	media    *media.FileStore
	mediaDir string
	gen      *fakeGenerator
	pub      *fakePublisher
	reporter *fakeReporter
	outcomes []string
	orch     *Orchestrator
	freeRuns int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.OpenSQLite(filepath.Join(dir, "cheerfx.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:    s,
		mediaDir: filepath.Join(dir, "media"),
		gen:      &fakeGenerator{},
		pub:      &fakePublisher{},
		reporter: &fakeReporter{},
		freeRuns: 15,
	}
	f.media = media.NewFileStore(f.mediaDir, "/media")
	f.orch = NewOrchestrator(Options{
		Gate:      billing.NewGate(s, f.reporter, f.freeRuns),
		Generator: f.gen,
		Media:     f.media,
		Store:     s,
		Publisher: f.pub,
		OnOutcome: func(o string) { f.outcomes = append(f.outcomes, o) },
	})
	return f
}

func (f *fixture) broadcaster(t *testing.T, twitchID string, plan core.Plan) core.Broadcaster {
	t.Helper()
	ctx := context.Background()
	b, _, err := f.store.CreateBroadcaster(ctx, core.Broadcaster{TwitchUserID: twitchID, Login: "s" + twitchID}, core.DefaultPreferences(""))
	if err != nil {
		t.Fatalf("create broadcaster: %v", err)
	}
	if plan != core.PlanFree {
		if err := f.store.SetBillingIDs(ctx, b.ID, "cus_1", "item_1"); err != nil {
			t.Fatalf("set billing ids: %v", err)
		}
		if err := f.store.SetPlan(ctx, b.ID, plan); err != nil {
			t.Fatalf("set plan: %v", err)
		}
	}
	b, err = f.store.GetBroadcaster(ctx, b.ID)
	if err != nil {
		t.Fatalf("reload broadcaster: %v", err)
	}
	return b
}

func (f *fixture) event(t *testing.T, b core.Broadcaster, msgID string, anonymous bool) core.CheerEvent {
	t.Helper()
	e, _, err := f.store.InsertCheerEvent(context.Background(), core.CheerEvent{
		BroadcasterID:     b.ID,
		ExternalMessageID: msgID,
		Anonymous:         anonymous,
		UserName:          "Viewer",
		Message:           "$fx thunder",
		Bits:              200,
		Status:            core.StatusNew,
	})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return e
}

func TestGenerateFreeDoneAndDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.broadcaster(t, "100", core.PlanFree)
	e := f.event(t, b, "m-1", true)

	a, err := f.orch.Generate(ctx, b, e, true)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Status != core.StatusDone || a.Metered || a.File == "" || a.Reason != "" {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	if _, err := os.Stat(filepath.Join(f.mediaDir, filepath.FromSlash(a.File))); err != nil {
		t.Fatalf("audio not stored: %v", err)
	}
	if len(f.pub.sent) != 1 {
		t.Fatalf("expected one live notification, got %d", len(f.pub.sent))
	}
	n := f.pub.sent[0]
	if n.DisplayName != "Anonymous" || n.Source != "/media/"+a.File || n.Bits != 200 || n.BroadcasterID != b.ID {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if f.reporter.calls != 0 {
		t.Fatalf("free artifacts must not be reported")
	}
	stored, err := f.store.GetCheerEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Status != core.StatusDone {
		t.Fatalf("event should mirror done, got %s", stored.Status)
	}
}

func TestGenerateWithoutLiveDelivery(t *testing.T) {
	f := newFixture(t)
	b := f.broadcaster(t, "101", core.PlanFree)
	e := f.event(t, b, "m-1", false)

	if _, err := f.orch.Generate(context.Background(), b, e, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(f.pub.sent) != 0 {
		t.Fatalf("expected no live delivery")
	}
}

func TestGenerateFreeQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.broadcaster(t, "102", core.PlanFree)

	for i := 0; i < f.freeRuns; i++ {
		e := f.event(t, b, "m-"+strconv.Itoa(i), false)
		a, err := f.orch.Generate(ctx, b, e, false)
		if err != nil || a.Status != core.StatusDone {
			t.Fatalf("run %d: %+v %v", i, a, err)
		}
	}
	calls := f.gen.Calls()

	e := f.event(t, b, "m-over", false)
	a, err := f.orch.Generate(ctx, b, e, true)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Status != core.StatusFailed || a.Reason != core.ReasonInsufficientCredits || a.Metered {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	if f.gen.Calls() != calls {
		t.Fatalf("generator must not be called when ineligible")
	}
	if len(f.pub.sent) != 0 {
		t.Fatalf("ineligible runs must not fan out")
	}
	if got := f.outcomes[len(f.outcomes)-1]; got != OutcomeIneligible {
		t.Fatalf("unexpected outcome %q", got)
	}
}

func TestGenerateCanceledNeverEligible(t *testing.T) {
	f := newFixture(t)
	b := f.broadcaster(t, "103", core.PlanCanceled)
	e := f.event(t, b, "m-1", false)

	a, err := f.orch.Generate(context.Background(), b, e, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Reason != core.ReasonInsufficientCredits {
		t.Fatalf("expected insufficient credits, got %+v", a)
	}
}

func TestGeneratePaidMeteredAndReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.broadcaster(t, "104", core.PlanPaid)
	e := f.event(t, b, "m-1", false)

	a, err := f.orch.Generate(ctx, b, e, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !a.Metered || a.UsageRecordID != "ur-item_1-1" {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	stored, err := f.store.GetArtifact(ctx, a.ID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if stored.UsageRecordID != "ur-item_1-1" {
		t.Fatalf("usage record id not stored: %+v", stored)
	}
	n, err := f.store.CountFreeRuns(ctx, b.ID)
	if err != nil || n != 0 {
		t.Fatalf("metered artifacts must not count as free runs: %d %v", n, err)
	}
}

func TestGenerateUsageFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.reporter.err = errors.New("billing down")
	b := f.broadcaster(t, "105", core.PlanPaid)
	e := f.event(t, b, "m-1", true)

	a, err := f.orch.Generate(context.Background(), b, e, true)
	if err != nil {
		t.Fatalf("usage failure must not fail generation: %v", err)
	}
	if a.Status != core.StatusDone || a.UsageRecordID != "" {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	if len(f.pub.sent) != 1 {
		t.Fatalf("delivery must happen before usage reporting")
	}
}

func TestGenerateServiceFailure(t *testing.T) {
	f := newFixture(t)
	f.gen.err = core.ErrExternalService
	ctx := context.Background()
	b := f.broadcaster(t, "106", core.PlanPaid)
	e := f.event(t, b, "m-1", false)

	a, err := f.orch.Generate(ctx, b, e, true)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Status != core.StatusFailed || a.Reason != core.ReasonGenerationFailed || a.Metered {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	if len(f.pub.sent) != 0 || f.reporter.calls != 0 {
		t.Fatalf("failed generation must not deliver or report")
	}
	stored, err := f.store.GetCheerEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Status != core.StatusFailed {
		t.Fatalf("event should mirror failed, got %s", stored.Status)
	}
}

func TestGenerateKeepsDoneEventOnLaterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.broadcaster(t, "107", core.PlanFree)
	e := f.event(t, b, "m-1", false)

	if _, err := f.orch.Generate(ctx, b, e, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	f.gen.err = errors.New("boom")
	if _, err := f.orch.Generate(ctx, b, e, false); err != nil {
		t.Fatalf("second run: %v", err)
	}
	artifacts, err := f.store.ArtifactsForEvent(ctx, e.ID)
	if err != nil || len(artifacts) != 2 {
		t.Fatalf("expected two artifacts, got %d (%v)", len(artifacts), err)
	}
	stored, _ := f.store.GetCheerEvent(ctx, e.ID)
	if stored.Status != core.StatusDone {
		t.Fatalf("done event regressed to %s", stored.Status)
	}
}

func TestGenerateStorageFailure(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	f.orch.opts.Media = media.NewFileStore(blocker, "/media")
	b := f.broadcaster(t, "108", core.PlanFree)
	e := f.event(t, b, "m-1", false)

	a, err := f.orch.Generate(context.Background(), b, e, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Status != core.StatusFailed || a.Reason != core.ReasonStorageFailed {
		t.Fatalf("unexpected artifact: %+v", a)
	}
}

type failingArtifacts struct{}

func (failingArtifacts) CreateArtifact(context.Context, core.Artifact) (core.Artifact, error) {
	return core.Artifact{}, errors.New("disk I/O error")
}

func TestGeneratePersistFailureRemovesAudio(t *testing.T) {
	f := newFixture(t)
	b := f.broadcaster(t, "109", core.PlanFree)
	e := f.event(t, b, "m-1", false)
	f.orch.opts.Store = failingArtifacts{}

	if _, err := f.orch.Generate(context.Background(), b, e, true); err == nil {
		t.Fatalf("expected persist error")
	}
	if f.gen.Calls() != 1 {
		t.Fatalf("expected one generation call, got %d", f.gen.Calls())
	}
	entries, err := os.ReadDir(filepath.Join(f.mediaDir, "sfx_files", b.ID, e.ID))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read media dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("orphaned audio left behind: %v", entries)
	}
	if len(f.pub.sent) != 0 {
		t.Fatalf("nothing should be delivered when persisting fails")
	}
	if last := f.outcomes[len(f.outcomes)-1]; last != OutcomePersistError {
		t.Fatalf("unexpected outcome %q", last)
	}
}
