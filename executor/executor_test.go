package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/approvals"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sessions/memstore"
	"github.com/ggoodman/mcp-gateway/tools"
)

type reportArgs struct {
	AccountID string `json:"account_id"`
	Days      int    `json:"days,omitempty" jsonschema:"default=7"`
}

type budgetArgs struct {
	CampaignID string  `json:"campaign_id"`
	Budget     float64 `json:"budget"`
}

// counter records how often a handler ran and the last arguments it saw.
type counter struct {
	calls atomic.Int64
	mu    sync.Mutex
	last  map[string]any
	tc    tools.Context
}

func (c *counter) handler(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.last = args
	c.tc = tc
	c.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

type fixture struct {
	exec    *Executor
	store   *memstore.Store
	report  *counter
	budget  *counter
	approve approvals.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), report: &counter{}, budget: &counter{}}

	reportSchema, err := tools.ReflectSchema[reportArgs](false)
	if err != nil {
		t.Fatalf("ReflectSchema: %v", err)
	}
	budgetSchema, err := tools.ReflectSchema[budgetArgs](false)
	if err != nil {
		t.Fatalf("ReflectSchema: %v", err)
	}
	reg, err := tools.NewRegistry(
		tools.Definition{Name: "get_report", Schema: reportSchema, Handler: f.report.handler},
		tools.Definition{Name: "update_budget", Schema: budgetSchema, Handler: f.budget.handler, Dangerous: true},
		tools.Definition{Name: "hang", Timeout: 50 * time.Millisecond, Handler: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
			select {}
		}},
		tools.Definition{Name: "fail", Handler: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
			return nil, errors.New("upstream said no")
		}},
		tools.Definition{Name: "explode", Handler: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
			panic("boom")
		}},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f.exec, err = New(reg, f.store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.approve = f.exec.approvals
	return f
}

func (f *fixture) session(t *testing.T, params sessions.CreateParams) *sessions.Session {
	t.Helper()
	s, err := f.store.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return s
}

func payload(t *testing.T, res *Result) map[string]any {
	t.Helper()
	m, ok := res.Value.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", res.Value)
	}
	return m
}

func TestQuotaScenario(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, sessions.CreateParams{MaxToolCalls: 3})
	ctx := context.Background()
	args := json.RawMessage(`{"account_id":"act_1"}`)

	for i := 1; i <= 3; i++ {
		res, err := f.exec.Execute(ctx, Call{Name: "get_report", Arguments: args, Session: sess})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("call %d: want success, got %s", i, res.Outcome)
		}
	}

	res, err := f.exec.Execute(ctx, Call{Name: "get_report", Arguments: args, Session: sess})
	if err != nil {
		t.Fatalf("call 4: %v", err)
	}
	if res.Outcome != OutcomeQuotaExceeded {
		t.Fatalf("call 4: want quota exceeded, got %s", res.Outcome)
	}
	p := payload(t, res)
	if p["success"] != false || p["error"] != "tool_call_limit_reached" {
		t.Fatalf("unexpected denial: %v", p)
	}
	meta := p["meta"].(map[string]any)
	if meta["used"] != 4 || meta["max"] != 3 || meta["sessionId"] != sess.ID {
		t.Fatalf("unexpected denial meta: %v", meta)
	}
	if got := f.report.calls.Load(); got != 3 {
		t.Fatalf("handler should run exactly 3 times, ran %d", got)
	}
}

func TestQuotaConcurrentCalls(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, sessions.CreateParams{MaxToolCalls: 4})
	const n = 25

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		denied   atomic.Int64
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.exec.Execute(context.Background(), Call{Name: "get_report", Arguments: json.RawMessage(`{"account_id":"a"}`), Session: sess})
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			switch res.Outcome {
			case OutcomeSuccess:
				admitted.Add(1)
			case OutcomeQuotaExceeded:
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 4 || denied.Load() != n-4 {
		t.Fatalf("want 4 admitted and %d denied, got %d and %d", n-4, admitted.Load(), denied.Load())
	}
	if f.report.calls.Load() != 4 {
		t.Fatalf("handler ran %d times, want 4", f.report.calls.Load())
	}
}

func TestSessionlessCallsSkipQuota(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		res, err := f.exec.Execute(context.Background(), Call{Name: "get_report", Arguments: json.RawMessage(`{"account_id":"a"}`)})
		if err != nil || res.Outcome != OutcomeSuccess {
			t.Fatalf("call %d: %v %v", i, res, err)
		}
	}
}

func TestMissingSessionIsDenied(t *testing.T) {
	f := newFixture(t)
	gone := &sessions.Session{ID: "no-such-session"}
	res, err := f.exec.Execute(context.Background(), Call{Name: "get_report", Arguments: json.RawMessage(`{"account_id":"a"}`), Session: gone})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeSessionNotFound {
		t.Fatalf("want session_not_found, got %s", res.Outcome)
	}
	if meta := payload(t, res)["meta"].(map[string]any); meta["sessionId"] != "no-such-session" {
		t.Fatalf("unexpected meta: %v", meta)
	}
	if f.report.calls.Load() != 0 {
		t.Fatal("handler must not run without a session")
	}
}

func TestUnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.Execute(context.Background(), Call{Name: "nope"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("want ErrToolNotFound, got %v", err)
	}
	if OutcomeOf(err) != OutcomeToolNotFound {
		t.Fatalf("OutcomeOf: got %s", OutcomeOf(err))
	}
}

func TestDefaultsAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.exec.Execute(ctx, Call{Name: "get_report", Arguments: json.RawMessage(`{"account_id":"act_9"}`)})
	if err != nil || res.Outcome != OutcomeSuccess {
		t.Fatalf("Execute: %v %v", res, err)
	}
	f.report.mu.Lock()
	days := f.report.last["days"]
	f.report.mu.Unlock()
	if days != float64(7) {
		t.Fatalf("handler should receive default days=7, got %#v", days)
	}

	res, err = f.exec.Execute(ctx, Call{Name: "get_report", Arguments: json.RawMessage(`{"account_id":"act_9","days":"many"}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeValidationError {
		t.Fatalf("want validation_error, got %s", res.Outcome)
	}
	p := payload(t, res)
	if !strings.Contains(p["message"].(string), "days") {
		t.Fatalf("message should mention days: %v", p["message"])
	}
	ferrs := p["validation_errors"].([]tools.FieldError)
	if len(ferrs) == 0 || ferrs[0].Field != "days" {
		t.Fatalf("unexpected field errors: %v", ferrs)
	}
	if f.report.calls.Load() != 1 {
		t.Fatalf("handler must not run with invalid args")
	}
}

func TestValidationRunsAfterQuota(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, sessions.CreateParams{MaxToolCalls: 2})
	_, _ = f.exec.Execute(context.Background(), Call{Name: "get_report", Arguments: json.RawMessage(`{}`), Session: sess})
	got, err := f.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Quota.Used != 1 {
		t.Fatalf("invalid attempts still count, want used=1 got %d", got.Quota.Used)
	}
}

func TestDangerousToolBlocked(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, sessions.CreateParams{ConversationID: "conv-7"})
	args := json.RawMessage(`{"campaign_id":"c1","budget":"250"}`)

	for i := 0; i < 2; i++ {
		res, err := f.exec.Execute(context.Background(), Call{Name: "update_budget", Arguments: args, Session: sess})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.Outcome != OutcomeApprovalRequired {
			t.Fatalf("want approval_required, got %s", res.Outcome)
		}
		p := payload(t, res)
		if p["approval_required"] != true || p["tool"] != "update_budget" {
			t.Fatalf("unexpected payload: %v", p)
		}
		echoed := p["args"].(map[string]any)
		if echoed["budget"] != float64(250) || echoed["campaign_id"] != "c1" {
			t.Fatalf("payload should echo coerced args, got %v", echoed)
		}
		meta := p["meta"].(map[string]any)
		if meta["dangerous"] != true || meta["conversationId"] != "conv-7" {
			t.Fatalf("unexpected meta: %v", meta)
		}
		if _, ok := p["approvalId"]; ok {
			t.Fatal("approvalId must be absent without an approvals store")
		}
	}
	if f.budget.calls.Load() != 0 {
		t.Fatalf("dangerous handler ran %d times under block", f.budget.calls.Load())
	}
}

func TestDangerousToolAllowed(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, sessions.CreateParams{DangerousPolicy: sessions.DangerousPolicyAllow, Caller: sessions.Caller{UserID: "u1", AccessToken: "tok"}})
	res, err := f.exec.Execute(context.Background(), Call{Name: "update_budget", Arguments: json.RawMessage(`{"campaign_id":"c1","budget":10}`), Session: sess})
	if err != nil || res.Outcome != OutcomeSuccess {
		t.Fatalf("Execute: %v %v", res, err)
	}
	f.budget.mu.Lock()
	tc := f.budget.tc
	f.budget.mu.Unlock()
	if tc.SessionID != sess.ID || tc.UserID != "u1" || tc.AccessToken != "tok" {
		t.Fatalf("unexpected tool context: %+v", tc)
	}
}

func TestDefaultPolicyAllow(t *testing.T) {
	f := newFixture(t, WithDefaultDangerousPolicy(sessions.DangerousPolicyAllow))
	res, err := f.exec.Execute(context.Background(), Call{Name: "update_budget", Arguments: json.RawMessage(`{"campaign_id":"c1","budget":10}`)})
	if err != nil || res.Outcome != OutcomeSuccess {
		t.Fatalf("Execute: %v %v", res, err)
	}
}

func TestApprovalTokenFlow(t *testing.T) {
	f := newFixture(t, WithApprovals(approvals.NewMemoryStore()))
	ctx := context.Background()
	sess := f.session(t, sessions.CreateParams{ConversationID: "conv-1", MaxToolCalls: 10})
	args := json.RawMessage(`{"campaign_id":"c1","budget":100}`)

	res, err := f.exec.Execute(ctx, Call{Name: "update_budget", Arguments: args, Session: sess})
	if err != nil || res.Outcome != OutcomeApprovalRequired {
		t.Fatalf("Execute: %v %v", res, err)
	}
	id, _ := payload(t, res)["approvalId"].(string)
	if id == "" || res.ApprovalID != id {
		t.Fatalf("expected approvalId in payload, got %v", res.Value)
	}

	// Still pending.
	res, err = f.exec.Execute(ctx, Call{Name: "update_budget", Arguments: args, Session: sess, ApprovalID: id})
	if err != nil || res.Outcome != OutcomeApprovalRejected || payload(t, res)["error"] != "approval_not_granted" {
		t.Fatalf("pending approval: %v %v", res, err)
	}

	if _, err := f.approve.Decide(ctx, id, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	res, err = f.exec.Execute(ctx, Call{Name: "update_budget", Arguments: json.RawMessage(`{"campaign_id":"c1","budget":999}`), Session: sess, ApprovalID: id})
	if err != nil || payload(t, res)["error"] != "approval_mismatch" {
		t.Fatalf("different args: %v %v", res, err)
	}

	res, err = f.exec.Execute(ctx, Call{Name: "update_budget", Arguments: args, Session: sess, ApprovalID: id})
	if err != nil || res.Outcome != OutcomeSuccess || res.ApprovalID != id {
		t.Fatalf("approved call: %v %v", res, err)
	}
	if f.budget.calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", f.budget.calls.Load())
	}

	res, err = f.exec.Execute(ctx, Call{Name: "update_budget", Arguments: args, Session: sess, ApprovalID: id})
	if err != nil || res.Outcome != OutcomeApprovalRejected {
		t.Fatalf("replay: %v %v", res, err)
	}
	if f.budget.calls.Load() != 1 {
		t.Fatal("approval must not be replayable")
	}
}

func TestTimeoutBoundary(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	_, err := f.exec.Execute(context.Background(), Call{Name: "hang"})
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("want TimeoutError, got %v", err)
	}
	if te.Tool != "hang" || te.Timeout != 50*time.Millisecond {
		t.Fatalf("unexpected timeout error: %+v", te)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout fired after %s, want about 50ms", elapsed)
	}
	if OutcomeOf(err) != OutcomeTimeout {
		t.Fatalf("OutcomeOf: %s", OutcomeOf(err))
	}
}

func TestDefaultTimeoutOption(t *testing.T) {
	reg, err := tools.NewRegistry(tools.Definition{Name: "slow", Handler: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	e, err := New(reg, memstore.New(), WithDefaultTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = e.Execute(context.Background(), Call{Name: "slow"})
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != 20*time.Millisecond {
		t.Fatalf("want 20ms TimeoutError, got %v", err)
	}
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Execute(context.Background(), Call{Name: "fail"})
	var he *HandlerError
	if !errors.As(err, &he) || he.Error() != "upstream said no" {
		t.Fatalf("want HandlerError, got %v", err)
	}

	_, err = f.exec.Execute(context.Background(), Call{Name: "explode"})
	if !errors.As(err, &he) || !strings.Contains(he.Error(), "boom") {
		t.Fatalf("panic should surface as HandlerError, got %v", err)
	}
}

func TestCallerCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.exec.Execute(ctx, Call{Name: "hang"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	reg, _ := tools.NewRegistry()
	if _, err := New(nil, memstore.New()); err == nil {
		t.Fatal("expected error for nil registry")
	}
	if _, err := New(reg, nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(reg, memstore.New(), WithDefaultDangerousPolicy("maybe")); err == nil {
		t.Fatal("expected error for invalid policy")
	}
}
