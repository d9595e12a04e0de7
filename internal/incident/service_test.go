package incident

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/clock/system"
	"github.com/JakeFAU/osint-shield/internal/dispatchstore"
	dispatchmemory "github.com/JakeFAU/osint-shield/internal/dispatchstore/memory"
	shielduuid "github.com/JakeFAU/osint-shield/internal/id/uuid"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	pubmemory "github.com/JakeFAU/osint-shield/internal/publisher/memory"
	"github.com/JakeFAU/osint-shield/internal/store"
	memstore "github.com/JakeFAU/osint-shield/internal/store/memory"
)

type fixture struct {
	st         *memstore.Store
	dispatches *dispatchmemory.Store
	publisher  *pubmemory.Publisher
	svc        *Service
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		st:         memstore.New(),
		dispatches: dispatchmemory.New(0),
		publisher:  pubmemory.New(),
	}
	f.svc = NewService(f.st, f.dispatches, shielduuid.NewRandom(),
		system.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		f.publisher, Config{TTL: ttl, IndexMax: 100}, zap.NewNop())
	return f
}

func (f *fixture) newCase(t *testing.T, status pipeline.CaseStatus, note string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertCase(ctx, &pipeline.Case{UUID: id, URL: "https://x", Status: status, Note: note})
	}))
	return id
}

func (f *fixture) loadCase(t *testing.T, id uuid.UUID) pipeline.Case {
	t.Helper()
	var c pipeline.Case
	require.NoError(t, f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = tx.CaseByUUID(ctx, id)
		return err
	}))
	return c
}

func lastLine(note string) string {
	lines := strings.Split(note, "\n")
	return lines[len(lines)-1]
}

func TestDecideTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		decision   Decision
		wantCase   pipeline.CaseStatus
		wantStatus DecisionStatus
	}{
		{DecisionConfirm, pipeline.CaseStatusConfirmed, DecisionValidated},
		{DecisionReject, pipeline.CaseStatusDismissed, DecisionRejected},
		{DecisionEscalate, pipeline.CaseStatusInReview, DecisionEscalated},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.decision), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, time.Hour)
			id := f.newCase(t, pipeline.CaseStatusNew, "")

			res, err := f.svc.Decide(context.Background(), id, DecisionRequest{
				Decision:  tt.decision,
				Comment:   " phishing kit confirmed ",
				DecidedBy: "aminata",
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantCase, res.CaseStatus)
			require.Equal(t, tt.wantStatus, res.DecisionStatus)

			c := f.loadCase(t, id)
			require.Equal(t, tt.wantCase, c.Status)
			require.Equal(t, "[SOC_DECISION] "+string(tt.decision)+" by aminata | phishing kit confirmed", c.Note)
		})
	}
}

func TestDecideRequiresNoteForTerminalDecision(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	id := f.newCase(t, pipeline.CaseStatusNew, "")

	_, err := f.svc.Decide(context.Background(), id, DecisionRequest{Decision: DecisionReject})
	require.ErrorIs(t, err, ErrNoteRequired)
	require.Equal(t, pipeline.CaseStatusNew, f.loadCase(t, id).Status)

	res, err := f.svc.Decide(context.Background(), id, DecisionRequest{Decision: DecisionEscalate})
	require.NoError(t, err)
	require.Equal(t, pipeline.CaseStatusInReview, res.CaseStatus)
	require.Equal(t, "[SOC_DECISION] ESCALATE by SOC_ANALYST", f.loadCase(t, id).Note)

	// The escalation line now counts as the case note.
	_, err = f.svc.Decide(context.Background(), id, DecisionRequest{Decision: DecisionConfirm})
	require.NoError(t, err)
}

func TestDecideRejectsUnknownInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	_, err := f.svc.Decide(context.Background(), uuid.New(), DecisionRequest{Decision: "APPROVE"})
	require.ErrorIs(t, err, ErrInvalidDecision)

	_, err = f.svc.Decide(context.Background(), uuid.New(), DecisionRequest{Decision: DecisionConfirm, Comment: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchRequiresConfirmedCase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	id := f.newCase(t, pipeline.CaseStatusNew, "")

	_, err := f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: ActionBlockNumber})
	require.ErrorIs(t, err, ErrPrecondition)

	ids, err := f.dispatches.Index(context.Background(), id.String())
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Empty(t, f.loadCase(t, id).Note)

	_, err = f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: "NUKE"})
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestDispatchWithoutAutoCallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	id := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")

	res, err := f.svc.Dispatch(context.Background(), DispatchRequest{
		IncidentID:  id,
		ActionType:  ActionSuspendWallet,
		Reason:      "wallet used in 14 reports",
		RequestedBy: "aminata",
	})
	require.NoError(t, err)
	require.Equal(t, OperatorSent, res.OperatorStatus)
	require.Equal(t, DecisionPending, res.DecisionStatus)
	require.True(t, res.CallbackRequired)

	rec, err := f.dispatches.Get(context.Background(), res.DispatchID.String())
	require.NoError(t, err)
	require.Equal(t, "SENT", rec.OperatorStatus)
	require.Equal(t, id.String(), rec.IncidentID)

	c := f.loadCase(t, id)
	require.Equal(t, pipeline.CaseStatusConfirmed, c.Status)
	require.Equal(t,
		"[SHIELD_DISPATCH] action=SUSPEND_WALLET by aminata dispatch="+res.DispatchID.String()+" | wallet used in 14 reports",
		lastLine(c.Note),
	)

	messages := f.publisher.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, pipeline.TopicDispatchSent, messages[0].Topic)
}

func TestDispatchAutoCallbackBlocksCase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	id := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")

	res, err := f.svc.Dispatch(context.Background(), DispatchRequest{
		IncidentID:   id,
		ActionType:   ActionBlockNumber,
		AutoCallback: true,
	})
	require.NoError(t, err)
	require.Equal(t, DecisionExecuted, res.DecisionStatus)
	require.Equal(t, OperatorExecuted, res.OperatorStatus)
	require.False(t, res.CallbackRequired)

	c := f.loadCase(t, id)
	require.Equal(t, pipeline.CaseStatusBlockedSimulated, c.Status)
	want := "[OPERATOR_CALLBACK] status=EXECUTED dispatch=" + res.DispatchID.String() +
		" action=BLOCK_NUMBER | Automatic operator simulation | ref=SIM-" + res.DispatchID.String()[:8] +
		" | blocked_simulated=true"
	require.Equal(t, want, lastLine(c.Note))

	rec, err := f.dispatches.Get(context.Background(), res.DispatchID.String())
	require.NoError(t, err)
	require.Equal(t, "EXECUTED", rec.DecisionStatus)
	require.False(t, rec.UpdatedAt.IsZero())

	// A blocked case may be dispatched again.
	_, err = f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: ActionUserNotify})
	require.NoError(t, err)
}

func TestCallbackOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		action       ActionType
		status       OperatorStatus
		wantDecision DecisionStatus
		wantCase     pipeline.CaseStatus
	}{
		{"executed non blocking", ActionEnforceMFA, OperatorExecuted, DecisionExecuted, pipeline.CaseStatusConfirmed},
		{"failed", ActionBlockNumber, OperatorFailed, DecisionEscalated, pipeline.CaseStatusInReview},
		{"received", ActionBlockNumber, OperatorReceived, DecisionPending, pipeline.CaseStatusConfirmed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, time.Hour)
			id := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")
			d, err := f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: tt.action})
			require.NoError(t, err)

			res, err := f.svc.Callback(context.Background(), CallbackRequest{
				DispatchID:     d.DispatchID,
				IncidentID:     id,
				OperatorStatus: tt.status,
				ExternalRef:    "OP-77",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDecision, res.DecisionStatus)
			assert.Equal(t, tt.wantCase, res.CaseStatus)
			assert.Equal(t, tt.action, res.ActionType)
			assert.Equal(t, tt.wantCase, f.loadCase(t, id).Status)
			assert.NotContains(t, f.loadCase(t, id).Note, "blocked_simulated")

			rec, err := f.dispatches.Get(context.Background(), d.DispatchID.String())
			require.NoError(t, err)
			assert.Equal(t, string(tt.status), rec.OperatorStatus)
			assert.Equal(t, "OP-77", rec.ExternalRef)
		})
	}
}

func TestCallbackRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	id := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")
	other := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")
	d, err := f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: ActionBlockNumber})
	require.NoError(t, err)

	_, err = f.svc.Callback(context.Background(), CallbackRequest{DispatchID: uuid.New(), IncidentID: id, OperatorStatus: OperatorExecuted})
	require.ErrorIs(t, err, ErrDispatchNotFound)

	_, err = f.svc.Callback(context.Background(), CallbackRequest{DispatchID: d.DispatchID, IncidentID: other, OperatorStatus: OperatorExecuted})
	require.ErrorIs(t, err, ErrDispatchMismatch)

	_, err = f.svc.Callback(context.Background(), CallbackRequest{DispatchID: d.DispatchID, IncidentID: id, OperatorStatus: OperatorSent})
	require.ErrorIs(t, err, ErrInvalidStatus)

	require.Equal(t, pipeline.CaseStatusConfirmed, f.loadCase(t, id).Status)
	require.Equal(t, "ok", f.loadCase(t, other).Note)
}

func TestDecisionLeavesDispatchUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	id := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")
	d, err := f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: ActionBlacklistAdd})
	require.NoError(t, err)
	before, err := f.dispatches.Get(context.Background(), d.DispatchID.String())
	require.NoError(t, err)

	_, err = f.svc.Decide(context.Background(), id, DecisionRequest{Decision: DecisionReject, Comment: "false positive"})
	require.NoError(t, err)

	after, err := f.dispatches.Get(context.Background(), d.DispatchID.String())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestTimeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	id := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")
	first, err := f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: ActionBlacklistAdd})
	require.NoError(t, err)
	second, err := f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: ActionBlockNumber, AutoCallback: true})
	require.NoError(t, err)

	// Junk and foreign entries in the index are skipped.
	ctx := context.Background()
	require.NoError(t, f.dispatches.AddToIndex(ctx, id.String(), "not-a-uuid", 100, time.Hour))
	foreign := uuid.New()
	require.NoError(t, f.dispatches.Save(ctx, dispatchstore.Record{
		DispatchID: foreign.String(), IncidentID: uuid.NewString(), ActionType: "BLOCK_NUMBER",
		OperatorStatus: "SENT", DecisionStatus: "PENDING", CreatedAt: time.Now(),
	}, time.Hour))
	require.NoError(t, f.dispatches.AddToIndex(ctx, id.String(), foreign.String(), 100, time.Hour))

	tl, err := f.svc.Timeline(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, tl.TotalActions)
	require.Equal(t, second.DispatchID, tl.Actions[0].DispatchID)
	require.NotNil(t, tl.Actions[0].UpdatedAt)
	require.Equal(t, first.DispatchID, tl.Actions[1].DispatchID)
	require.Nil(t, tl.Actions[1].UpdatedAt)

	require.NoError(t, f.dispatches.Delete(ctx, first.DispatchID.String()))
	tl, err = f.svc.Timeline(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, tl.TotalActions)

	_, err = f.svc.Timeline(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiredDispatchKeepsAuditTrail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 30*time.Millisecond)
	id := f.newCase(t, pipeline.CaseStatusConfirmed, "ok")
	d, err := f.svc.Dispatch(context.Background(), DispatchRequest{IncidentID: id, ActionType: ActionBlockNumber})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tl, err := f.svc.Timeline(context.Background(), id)
		return err == nil && tl.TotalActions == 0
	}, time.Second, 10*time.Millisecond)

	_, err = f.svc.Callback(context.Background(), CallbackRequest{DispatchID: d.DispatchID, IncidentID: id, OperatorStatus: OperatorExecuted})
	require.ErrorIs(t, err, ErrDispatchNotFound)
	require.Contains(t, f.loadCase(t, id).Note, "[SHIELD_DISPATCH] action=BLOCK_NUMBER")
}
