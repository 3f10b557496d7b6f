package dispatch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/keyrelay/keyrelay/internal/metrics"
	"github.com/keyrelay/keyrelay/internal/registry"
	"github.com/keyrelay/keyrelay/internal/testutil"
	"github.com/keyrelay/keyrelay/internal/upstream"
)

// fakeRegistry is an in-memory Registry for dispatcher tests.
type fakeRegistry struct {
	users     map[string]string
	reloadErr error
	reloads   int
}

func (f *fakeRegistry) IsAuthorized(handle string) bool {
	_, ok := f.users[handle]
	return ok
}

func (f *fakeRegistry) Email(handle string) (string, bool) {
	email, ok := f.users[handle]
	return email, ok
}

func (f *fakeRegistry) Reload() error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeRegistry) Size() int { return len(f.users) }

// fakeUpstream records calls and returns canned results.
type fakeUpstream struct {
	createResult upstream.Result
	issueResult  upstream.Result
	exists       bool
	existsErr    *upstream.Error

	createCalls int
	issueCalls  int
	existsCalls int
	lastEmail   string
	lastModels  []string
}

func (f *fakeUpstream) CreateIdentity(ctx context.Context, email string) upstream.Result {
	f.createCalls++
	f.lastEmail = email
	return f.createResult
}

func (f *fakeUpstream) IssueToken(ctx context.Context, email string, models []string) upstream.Result {
	f.issueCalls++
	f.lastEmail = email
	f.lastModels = models
	return f.issueResult
}

func (f *fakeUpstream) UserExists(ctx context.Context, email string) (bool, *upstream.Error) {
	f.existsCalls++
	return f.exists, f.existsErr
}

func (f *fakeUpstream) calls() int {
	return f.createCalls + f.issueCalls + f.existsCalls
}

// fakeLimiter returns a fixed decision.
type fakeLimiter struct {
	allowed bool
	retry   time.Duration
	err     error
}

func (f *fakeLimiter) Allow(ctx context.Context, handle string) (bool, time.Duration, error) {
	return f.allowed, f.retry, f.err
}

func okResult(payload map[string]any) upstream.Result {
	return upstream.Result{Success: true, Payload: payload}
}

func errResult(kind upstream.ErrorKind) upstream.Result {
	return upstream.Result{Err: &upstream.Error{Kind: kind, Message: "canned"}}
}

func newTestDispatcher(reg Registry, up Upstream) *Dispatcher {
	return New(reg, up, nil, metrics.NewInMemory(), testutil.Logger())
}

func authorizedRegistry() *fakeRegistry {
	return &fakeRegistry{users: map[string]string{"@alice": "alice@example.com"}}
}

func TestDispatch_UnauthorizedNeverReachesUpstream(t *testing.T) {
	up := &fakeUpstream{}
	d := newTestDispatcher(authorizedRegistry(), up)

	commands := []struct {
		name string
		args string
	}{
		{CmdStart, ""},
		{CmdHelp, ""},
		{CmdCreateUser, "a@x.com"},
		{CmdCreateToken, "a@x.com x,y"},
		{CmdReload, ""},
	}

	for _, cmd := range commands {
		t.Run(cmd.name, func(t *testing.T) {
			reply := d.Dispatch(context.Background(), cmd.name, "@stranger", cmd.args)
			if reply != MsgNotAuthorized {
				t.Errorf("reply = %q, want not-authorized message", reply)
			}
		})
	}

	if up.calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls())
	}
}

func TestDispatch_PlainText(t *testing.T) {
	d := newTestDispatcher(authorizedRegistry(), &fakeUpstream{})

	if reply := d.Dispatch(context.Background(), "", "@alice", "hello"); reply != "" {
		t.Errorf("authorized plain text reply = %q, want empty", reply)
	}
	if reply := d.Dispatch(context.Background(), "", "@stranger", "hello"); reply != MsgNotAuthorized {
		t.Errorf("unauthorized plain text reply = %q, want not-authorized message", reply)
	}
}

func TestDispatch_StartAndHelp(t *testing.T) {
	d := newTestDispatcher(authorizedRegistry(), &fakeUpstream{})

	start := d.Dispatch(context.Background(), CmdStart, "@alice", "")
	if !strings.Contains(start, "@alice") || !strings.Contains(start, "alice@example.com") {
		t.Errorf("start reply %q missing handle or email", start)
	}

	help := d.Dispatch(context.Background(), CmdHelp, "@alice", "")
	if !strings.Contains(help, "/create_token") {
		t.Errorf("help reply %q missing command list", help)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	up := &fakeUpstream{}
	d := newTestDispatcher(authorizedRegistry(), up)

	reply := d.Dispatch(context.Background(), "destroy_everything", "@alice", "")
	if reply != msgUnknownCommand {
		t.Errorf("reply = %q, want unknown-command message", reply)
	}
	if up.calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls())
	}
}

func TestCreateUser_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"missing argument", ""},
		{"email without at sign", "not-an-email"},
		{"extra arguments", "a@x.com b@x.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			d := newTestDispatcher(authorizedRegistry(), up)

			reply := d.Dispatch(context.Background(), CmdCreateUser, "@alice", tt.args)
			if reply != usageCreateUser {
				t.Errorf("reply = %q, want usage message", reply)
			}
			if up.calls() != 0 {
				t.Errorf("upstream calls = %d, want 0", up.calls())
			}
		})
	}
}

func TestCreateUser_Success(t *testing.T) {
	up := &fakeUpstream{createResult: okResult(map[string]any{"user_id": "u-42"})}
	d := newTestDispatcher(authorizedRegistry(), up)

	reply := d.Dispatch(context.Background(), CmdCreateUser, "@alice", "new@example.com")

	if !strings.Contains(reply, "new@example.com") || !strings.Contains(reply, "u-42") {
		t.Errorf("reply = %q, want email and user id", reply)
	}
	if up.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", up.createCalls)
	}
	if up.lastEmail != "new@example.com" {
		t.Errorf("create email = %q, want new@example.com", up.lastEmail)
	}
}

func TestCreateUser_AlreadyExistsIsDistinct(t *testing.T) {
	existing := &fakeUpstream{createResult: errResult(upstream.KindAlreadyExists)}
	rejected := &fakeUpstream{createResult: errResult(upstream.KindUpstream4xx)}

	d := newTestDispatcher(authorizedRegistry(), existing)
	existsReply := d.Dispatch(context.Background(), CmdCreateUser, "@alice", "a@x.com")

	d = newTestDispatcher(authorizedRegistry(), rejected)
	genericReply := d.Dispatch(context.Background(), CmdCreateUser, "@alice", "a@x.com")

	if !strings.Contains(existsReply, "already exists") {
		t.Errorf("already-exists reply = %q", existsReply)
	}
	if existsReply == genericReply {
		t.Error("already-exists reply must differ from generic 4xx reply")
	}
}

func TestCreateUser_FailureMessages(t *testing.T) {
	tests := []struct {
		kind upstream.ErrorKind
		want string
	}{
		{upstream.KindNetwork, "Could not reach"},
		{upstream.KindUpstream5xx, "internal error"},
		{upstream.KindUpstream4xx, "rejected"},
		{upstream.KindDecode, "unexpected response"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			up := &fakeUpstream{createResult: errResult(tt.kind)}
			d := newTestDispatcher(authorizedRegistry(), up)

			reply := d.Dispatch(context.Background(), CmdCreateUser, "@alice", "a@x.com")
			if !strings.Contains(reply, tt.want) {
				t.Errorf("reply = %q, want substring %q", reply, tt.want)
			}
			// The canned upstream message must never leak to the caller.
			if strings.Contains(reply, "canned") {
				t.Errorf("reply %q leaks raw upstream error", reply)
			}
		})
	}
}

func TestCreateToken_NoModelsPassesNil(t *testing.T) {
	up := &fakeUpstream{
		exists:      true,
		issueResult: okResult(map[string]any{"key": "sk-tok", "expires": "2026-09-01T00:00:00Z"}),
	}
	d := newTestDispatcher(authorizedRegistry(), up)

	reply := d.Dispatch(context.Background(), CmdCreateToken, "@alice", "a@x.com")

	if up.lastModels != nil {
		t.Errorf("models = %v, want nil (unrestricted)", up.lastModels)
	}
	if !strings.Contains(reply, "sk-tok") {
		t.Errorf("reply = %q, want token value", reply)
	}
	if strings.Contains(reply, "Models:") {
		t.Errorf("reply = %q, must not list models for unrestricted token", reply)
	}
	if up.createCalls != 0 {
		t.Errorf("create calls = %d, want 0 for existing user", up.createCalls)
	}
}

func TestCreateToken_ModelListKeepsOrder(t *testing.T) {
	up := &fakeUpstream{
		exists:      true,
		issueResult: okResult(map[string]any{"key": "sk-tok"}),
	}
	d := newTestDispatcher(authorizedRegistry(), up)

	reply := d.Dispatch(context.Background(), CmdCreateToken, "@alice", "a@x.com x,y")

	if !reflect.DeepEqual(up.lastModels, []string{"x", "y"}) {
		t.Errorf("models = %v, want [x y]", up.lastModels)
	}
	if !strings.Contains(reply, "Models: x, y") {
		t.Errorf("reply = %q, want model list", reply)
	}
}

func TestCreateToken_ProvisionsMissingUser(t *testing.T) {
	up := &fakeUpstream{
		exists:       false,
		createResult: okResult(map[string]any{"user_id": "u-9"}),
		issueResult:  okResult(map[string]any{"key": "sk-tok"}),
	}
	d := newTestDispatcher(authorizedRegistry(), up)

	reply := d.Dispatch(context.Background(), CmdCreateToken, "@alice", "new@x.com")

	if up.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", up.createCalls)
	}
	if up.issueCalls != 1 {
		t.Errorf("issue calls = %d, want 1", up.issueCalls)
	}
	if !strings.Contains(reply, "new upstream user") {
		t.Errorf("reply = %q, want provisioning note", reply)
	}
}

func TestCreateToken_BadArguments(t *testing.T) {
	up := &fakeUpstream{}
	d := newTestDispatcher(authorizedRegistry(), up)

	reply := d.Dispatch(context.Background(), CmdCreateToken, "@alice", "not-an-email")
	if reply != usageCreateToken {
		t.Errorf("reply = %q, want usage message", reply)
	}
	if up.calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls())
	}
}

func TestReload(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		reg := authorizedRegistry()
		d := newTestDispatcher(reg, &fakeUpstream{})

		reply := d.Dispatch(context.Background(), CmdReload, "@alice", "")
		if reg.reloads != 1 {
			t.Errorf("reloads = %d, want 1", reg.reloads)
		}
		if !strings.Contains(reply, "reloaded") {
			t.Errorf("reply = %q, want reload confirmation", reply)
		}
	})

	t.Run("failure reported to caller", func(t *testing.T) {
		reg := authorizedRegistry()
		reg.reloadErr = errors.New("bad file")
		d := newTestDispatcher(reg, &fakeUpstream{})

		reply := d.Dispatch(context.Background(), CmdReload, "@alice", "")
		if reply != msgReloadFailed {
			t.Errorf("reply = %q, want reload-failed message", reply)
		}
	})
}

func TestThrottle(t *testing.T) {
	t.Run("denied", func(t *testing.T) {
		up := &fakeUpstream{}
		d := New(authorizedRegistry(), up, &fakeLimiter{allowed: false, retry: 30 * time.Second}, nil, testutil.Logger())

		reply := d.Dispatch(context.Background(), CmdCreateUser, "@alice", "a@x.com")
		if !strings.Contains(reply, "Too many requests") {
			t.Errorf("reply = %q, want throttle message", reply)
		}
		if up.calls() != 0 {
			t.Errorf("upstream calls = %d, want 0", up.calls())
		}
	})

	t.Run("limiter outage fails open", func(t *testing.T) {
		up := &fakeUpstream{createResult: okResult(map[string]any{"user_id": "u-1"})}
		d := New(authorizedRegistry(), up, &fakeLimiter{err: errors.New("redis down")}, nil, testutil.Logger())

		reply := d.Dispatch(context.Background(), CmdCreateUser, "@alice", "a@x.com")
		if !strings.Contains(reply, "User created") {
			t.Errorf("reply = %q, want success despite limiter outage", reply)
		}
	})
}

func TestDispatch_Metrics(t *testing.T) {
	rec := metrics.NewInMemory()
	up := &fakeUpstream{createResult: okResult(map[string]any{"user_id": "u-1"})}
	d := New(authorizedRegistry(), up, nil, rec, testutil.Logger())

	d.Dispatch(context.Background(), CmdCreateUser, "@alice", "a@x.com")
	d.Dispatch(context.Background(), CmdCreateUser, "@alice", "bad-email")
	d.Dispatch(context.Background(), CmdCreateUser, "@stranger", "a@x.com")

	snap := rec.Snapshot()
	if snap.CommandsCompleted != 1 {
		t.Errorf("completed = %d, want 1", snap.CommandsCompleted)
	}
	if snap.CommandArgumentErrors != 1 {
		t.Errorf("argument errors = %d, want 1", snap.CommandArgumentErrors)
	}
	if snap.CommandsRejected != 1 {
		t.Errorf("rejected = %d, want 1", snap.CommandsRejected)
	}
	if snap.UpstreamCallCount != 1 {
		t.Errorf("upstream calls = %d, want 1", snap.UpstreamCallCount)
	}
}

// End-to-end over a real file-backed registry: authorize, create,
// reload with the caller removed, reject.
func TestEndToEnd_ReloadRevokesAccess(t *testing.T) {
	path := testutil.WriteUsersCSV(t,
		"telegram_username,email",
		"@a,a@x.com",
		"@b,b@x.com",
	)

	reg := registry.New(path, testutil.Logger())
	if err := reg.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	up := &fakeUpstream{createResult: okResult(map[string]any{"user_id": "u-1"})}
	d := newTestDispatcher(reg, up)

	if reply := d.Dispatch(context.Background(), CmdCreateUser, "@a", "a@x.com"); !strings.Contains(reply, "User created") {
		t.Fatalf("reply from @a = %q, want success", reply)
	}
	if reply := d.Dispatch(context.Background(), CmdCreateUser, "@c", "a@x.com"); reply != MsgNotAuthorized {
		t.Fatalf("reply from @c = %q, want rejection", reply)
	}

	testutil.OverwriteUsersCSV(t, path,
		"telegram_username,email",
		"@b,b@x.com",
	)
	if reply := d.Dispatch(context.Background(), CmdReload, "@b", ""); !strings.Contains(reply, "reloaded") {
		t.Fatalf("reload reply = %q, want confirmation", reply)
	}

	if reply := d.Dispatch(context.Background(), CmdCreateUser, "@a", "a@x.com"); reply != MsgNotAuthorized {
		t.Fatalf("reply from removed @a = %q, want rejection", reply)
	}
}
