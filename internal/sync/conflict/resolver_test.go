// Tests for conflict detection and resolution against a real action store.
package conflict

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kimhsiao/judgesync/internal/db"
	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/remote"
	"github.com/kimhsiao/judgesync/internal/sync/store"
)

func setup(t *testing.T) (*store.Store, *models.PendingAction) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	s := store.New(database.DB)
	a, err := models.NewPendingAction("score-p1", 1, models.ScoreUpdatePayload{
		CompetitionID: "c1", ParticipantID: "p1", JudgeID: "j1", Criterion: "execution", Score: 8,
	})
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	a.DeviceID = "device-1"
	a.CreatedAt = 5_000
	if _, err := s.Enqueue(context.Background(), a); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MarkSyncing(context.Background(), []models.UUID{a.ID}); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	return s, a
}

func conflictOutcome(a *models.PendingAction, serverTS int64) *remote.Outcome {
	return &remote.Outcome{
		ActionID:        a.ID,
		Status:          remote.OutcomeConflict,
		ServerVersion:   4,
		ServerTimestamp: serverTS,
		ServerPayload: json.RawMessage(`{"competition_id":"c1","participant_id":"p1",` +
			`"judge_id":"j2","criterion":"execution","score":6}`),
	}
}

func TestDetect(t *testing.T) {
	_, a := setup(t)
	r := NewResolver(nil, models.ResolutionLastWriteWins)

	if c := r.Detect(a, &remote.Outcome{ActionID: a.ID, Status: remote.OutcomeSuccess}); c != nil {
		t.Errorf("success outcome must not produce a conflict")
	}
	if c := r.Detect(a, nil); c != nil {
		t.Errorf("nil outcome must not produce a conflict")
	}

	c := r.Detect(a, conflictOutcome(a, 9_000))
	if c == nil {
		t.Fatal("expected a conflict")
	}
	if c.ActionID != a.ID || c.ServerVersion != 4 || c.ServerTimestamp != 9_000 {
		t.Errorf("unexpected record %+v", c)
	}
	if c.Status != models.ConflictStatusPending {
		t.Errorf("expected pending status, got %s", c.Status)
	}
	if string(c.ClientPayload) != string(a.Payload) {
		t.Errorf("client payload not captured")
	}
}

func TestAutoResolve_LastWriteWins(t *testing.T) {
	_, a := setup(t)
	r := NewResolver(nil, models.ResolutionLastWriteWins)

	tests := []struct {
		name     string
		serverTS int64
		want     models.ConflictOutcome
		status   models.ActionStatus
	}{
		{"remote newer", 9_000, models.OutcomeRemoteWins, models.ActionStatusSynced},
		{"tie goes to server", 5_000, models.OutcomeRemoteWins, models.ActionStatusSynced},
		{"local newer", 1_000, models.OutcomeLocalWins, models.ActionStatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := r.Detect(a, conflictOutcome(a, tt.serverTS))
			res := r.AutoResolve(a, c, "")
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.want)
			}
			if res.ActionStatus != tt.status {
				t.Errorf("status = %s, want %s", res.ActionStatus, tt.status)
			}
			if res.BaseVersion != 4 {
				t.Errorf("base version = %d, want 4", res.BaseVersion)
			}
		})
	}
}

func TestSettle_RemoteWinsPersists(t *testing.T) {
	s, a := setup(t)
	r := NewResolver(s, models.ResolutionLastWriteWins)
	ctx := context.Background()

	c := r.Detect(a, conflictOutcome(a, 9_000))
	res, err := r.Settle(ctx, a, c, "")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ActionStatusSynced {
		t.Errorf("action status = %s, want synced", got.Status)
	}
	var p models.ScoreUpdatePayload
	json.Unmarshal(got.Payload, &p)
	if p.Score != 6 {
		t.Errorf("action should carry the server payload, got score %v", p.Score)
	}

	rec, err := s.GetConflict(ctx, res.ConflictID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.IsResolved() || rec.Resolution != models.OutcomeRemoteWins {
		t.Errorf("conflict not recorded as remote-wins: %+v", rec)
	}
}

func TestSettle_LocalWinsRebases(t *testing.T) {
	s, a := setup(t)
	r := NewResolver(s, models.ResolutionLastWriteWins)
	ctx := context.Background()

	c := r.Detect(a, conflictOutcome(a, 1_000))
	if _, err := r.Settle(ctx, a, c, ""); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, _ := s.Get(ctx, a.ID)
	if got.Status != models.ActionStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.BaseVersion != 4 {
		t.Errorf("base version = %d, want 4", got.BaseVersion)
	}
	if string(got.Payload) != string(a.Payload) {
		t.Errorf("local payload must be kept")
	}
}

func TestSettle_ManualParksAction(t *testing.T) {
	s, a := setup(t)
	r := NewResolver(s, models.ResolutionManual)
	ctx := context.Background()

	c := r.Detect(a, conflictOutcome(a, 9_000))
	res, err := r.Settle(ctx, a, c, "")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Pending() {
		t.Errorf("manual resolution should be pending")
	}

	got, _ := s.Get(ctx, a.ID)
	if got.Status != models.ActionStatusConflicted {
		t.Errorf("status = %s, want conflicted", got.Status)
	}
	rec, _ := s.GetConflict(ctx, res.ConflictID)
	if rec.IsResolved() {
		t.Errorf("conflict should stay pending")
	}
}

func TestResolveManually(t *testing.T) {
	s, a := setup(t)
	r := NewResolver(s, models.ResolutionManual)
	ctx := context.Background()

	c := r.Detect(a, conflictOutcome(a, 9_000))
	parked, err := r.Settle(ctx, a, c, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.ResolveManually(ctx, parked.ConflictID, nil); !errs.Is(err, errs.ErrValidation) {
		t.Errorf("missing merged payload: expected validation error, got %v", err)
	}

	bad := json.RawMessage(`{"score":-1}`)
	if _, err := r.ResolveManually(ctx, parked.ConflictID, bad); !errs.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	merged := json.RawMessage(`{"competition_id":"c1","participant_id":"p1","judge_id":"j1","criterion":"execution","score":7}`)
	res, err := r.ResolveManually(ctx, parked.ConflictID, merged)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != models.OutcomeMerged || res.ActionStatus != models.ActionStatusPending {
		t.Errorf("unexpected resolution %+v", res)
	}

	got, _ := s.Get(ctx, a.ID)
	if got.Status != models.ActionStatusPending || got.BaseVersion != 4 {
		t.Errorf("action not rebased: %+v", got)
	}
	if string(got.Payload) != string(merged) {
		t.Errorf("merged payload not written")
	}

	// Second call is a no-op returning the same decision.
	other := json.RawMessage(`{"competition_id":"c1","participant_id":"p1","judge_id":"j1","criterion":"execution","score":1}`)
	again, err := r.ResolveManually(ctx, parked.ConflictID, other)
	if err != nil {
		t.Fatalf("repeat resolve: %v", err)
	}
	if again.Outcome != res.Outcome || string(again.Payload) != string(merged) {
		t.Errorf("repeat resolution changed the result: %+v", again)
	}
	got, _ = s.Get(ctx, a.ID)
	if string(got.Payload) != string(merged) {
		t.Errorf("repeat resolution rewrote the action")
	}
}

func TestAcceptRemote(t *testing.T) {
	s, a := setup(t)
	r := NewResolver(s, models.ResolutionManual)
	ctx := context.Background()

	parked, err := r.Settle(ctx, a, r.Detect(a, conflictOutcome(a, 1_000)), "")
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.AcceptRemote(ctx, parked.ConflictID)
	if err != nil {
		t.Fatalf("accept remote: %v", err)
	}
	if res.ActionStatus != models.ActionStatusSynced {
		t.Errorf("status = %s, want synced", res.ActionStatus)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.Status != models.ActionStatusSynced {
		t.Errorf("action not synced")
	}
}

func TestKeepLocal(t *testing.T) {
	s, a := setup(t)
	r := NewResolver(s, models.ResolutionManual)
	ctx := context.Background()

	parked, err := r.Settle(ctx, a, r.Detect(a, conflictOutcome(a, 9_000)), "")
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.KeepLocal(ctx, parked.ConflictID)
	if err != nil {
		t.Fatalf("keep local: %v", err)
	}
	if res.Outcome != models.OutcomeLocalWins || res.ActionStatus != models.ActionStatusPending {
		t.Errorf("unexpected resolution %+v", res)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.Status != models.ActionStatusPending || got.BaseVersion != 4 {
		t.Errorf("action not rebased: %+v", got)
	}
	if string(got.Payload) != string(a.Payload) {
		t.Errorf("local payload not kept")
	}
}

func TestResolveManually_UnknownConflict(t *testing.T) {
	s, _ := setup(t)
	r := NewResolver(s, models.ResolutionManual)
	merged := json.RawMessage(`{"competition_id":"c1","participant_id":"p1","judge_id":"j1","criterion":"execution","score":7}`)
	if _, err := r.ResolveManually(context.Background(), "missing", merged); !errs.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFromRecord(t *testing.T) {
	pending := FromRecord(&models.ConflictRecord{Status: models.ConflictStatusPending})
	if !pending.Pending() || pending.ActionStatus != models.ActionStatusConflicted {
		t.Errorf("unexpected %+v", pending)
	}
	remoteWon := FromRecord(&models.ConflictRecord{Status: models.ConflictStatusResolved, Resolution: models.OutcomeRemoteWins})
	if remoteWon.ActionStatus != models.ActionStatusSynced {
		t.Errorf("unexpected %+v", remoteWon)
	}
}
