// Package dispatch translates authorized chat commands into upstream
// API calls and formats every outcome as a single response string.
// A Dispatcher is stateless across invocations; all errors are absorbed
// here so a bad command never crashes the chat session.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keyrelay/keyrelay/internal/metrics"
	"github.com/keyrelay/keyrelay/internal/upstream"
)

// User-facing messages. Responses never carry credentials, stack
// traces, or raw upstream bodies.
const (
	MsgNotAuthorized = "You are not authorized to use this bot. Please contact the administrator."

	msgHelp = `Available commands:

/create_user <email>
Create an upstream user for the given email.

/create_token <email> [model1,model2,...]
Create a new access token for a user. Optionally restrict it to a comma-separated model list.

/reload
Re-read the authorized users file.

/help
Show this help message.`

	msgUnknownCommand = "Unknown command. Send /help to see available commands."

	usageCreateUser  = "Usage: /create_user <email>"
	usageCreateToken = "Usage: /create_token <email> [model1,model2,...]"

	msgReloadFailed = "Reload failed; the previous user list is still active."
)

// Registry is the authorization table consulted before any dispatch.
type Registry interface {
	IsAuthorized(handle string) bool
	Email(handle string) (string, bool)
	Reload() error
	Size() int
}

// Upstream is the administration API the dispatcher delegates to.
type Upstream interface {
	CreateIdentity(ctx context.Context, email string) upstream.Result
	IssueToken(ctx context.Context, email string, models []string) upstream.Result
	UserExists(ctx context.Context, email string) (bool, *upstream.Error)
}

// Limiter throttles privileged commands per caller handle.
type Limiter interface {
	Allow(ctx context.Context, handle string) (bool, time.Duration, error)
}

// AllowAll is a Limiter that never throttles. Used when rate limiting
// is not configured.
type AllowAll struct{}

// Allow always permits the command.
func (AllowAll) Allow(ctx context.Context, handle string) (bool, time.Duration, error) {
	return true, 0, nil
}

// Dispatcher routes one command at a time through authorize, validate,
// delegate, format.
type Dispatcher struct {
	registry Registry
	upstream Upstream
	limiter  Limiter
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// New creates a Dispatcher. A nil limiter disables throttling and a nil
// recorder disables metrics.
func New(registry Registry, up Upstream, limiter Limiter, recorder metrics.Recorder, logger *slog.Logger) *Dispatcher {
	if limiter == nil {
		limiter = AllowAll{}
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Dispatcher{
		registry: registry,
		upstream: up,
		limiter:  limiter,
		metrics:  recorder,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch handles a single (command, caller handle, argument text)
// triple and returns exactly one response string. An empty command
// means plain (non-command) text; authorized plain text gets an empty
// response, which the transport does not send.
func (d *Dispatcher) Dispatch(ctx context.Context, command, handle, args string) string {
	log := d.logger.With(
		slog.String("invocation_id", ulid.Make().String()),
		slog.String("command", command),
		slog.String("handle", handle),
	)

	if !d.registry.IsAuthorized(handle) {
		d.metrics.IncCommandRejected()
		log.Warn("unauthorized access attempt")
		return MsgNotAuthorized
	}

	if command == "" {
		return ""
	}
	d.metrics.IncCommandReceived()

	switch command {
	case CmdStart:
		return d.start(handle)
	case CmdHelp:
		return msgHelp
	case CmdReload:
		return d.reload(ctx, log, handle)
	case CmdCreateUser:
		return d.createUser(ctx, log, handle, args)
	case CmdCreateToken:
		return d.createToken(ctx, log, handle, args)
	default:
		d.metrics.IncCommandArgumentError()
		return msgUnknownCommand
	}
}

// start greets the caller with their registered identity.
func (d *Dispatcher) start(handle string) string {
	email, _ := d.registry.Email(handle)
	return fmt.Sprintf(`Welcome to the Keyrelay bot!

Your authorized username: %s
Your registered email: %s

%s`, handle, email, msgHelp)
}

// reload re-reads the users file. On failure the old table stays
// active and the caller is told so.
func (d *Dispatcher) reload(ctx context.Context, log *slog.Logger, handle string) string {
	if msg, throttled := d.throttle(ctx, log, handle); throttled {
		return msg
	}

	if err := d.registry.Reload(); err != nil {
		d.metrics.IncReload(false)
		d.metrics.IncCommandFailed()
		log.Error("reload failed", slog.String("error", err.Error()))
		return msgReloadFailed
	}

	d.metrics.IncReload(true)
	d.metrics.IncCommandCompleted()
	log.Info("users reloaded", slog.Int("count", d.registry.Size()))
	return fmt.Sprintf("User list reloaded: %d authorized users.", d.registry.Size())
}

// createUser registers a new upstream identity.
func (d *Dispatcher) createUser(ctx context.Context, log *slog.Logger, handle, args string) string {
	email, err := parseEmail(args)
	if err != nil {
		d.metrics.IncCommandArgumentError()
		return usageCreateUser
	}

	if msg, throttled := d.throttle(ctx, log, handle); throttled {
		return msg
	}

	res := d.timed(func() upstream.Result {
		return d.upstream.CreateIdentity(ctx, email)
	})

	if !res.Success {
		if res.Err.Kind == upstream.KindAlreadyExists {
			d.metrics.IncCommandFailed()
			log.Info("user already exists", slog.String("email", email))
			return fmt.Sprintf("A user for %s already exists.", email)
		}
		return d.failure(log, res.Err)
	}

	d.metrics.IncCommandCompleted()
	log.Info("user created", slog.String("email", email))

	reply := fmt.Sprintf("User created for %s.", email)
	if id, ok := res.Payload["user_id"].(string); ok && id != "" {
		reply += fmt.Sprintf("\nUser ID: %s", id)
	}
	return reply
}

// createToken issues a new access token, provisioning the upstream
// identity first when it does not exist yet.
func (d *Dispatcher) createToken(ctx context.Context, log *slog.Logger, handle, args string) string {
	email, models, err := parseCreateToken(args)
	if err != nil {
		d.metrics.IncCommandArgumentError()
		return usageCreateToken
	}

	if msg, throttled := d.throttle(ctx, log, handle); throttled {
		return msg
	}

	exists, uerr := d.upstream.UserExists(ctx, email)
	if uerr != nil {
		return d.failure(log, uerr)
	}

	provisioned := false
	if !exists {
		res := d.timed(func() upstream.Result {
			return d.upstream.CreateIdentity(ctx, email)
		})
		// A concurrent creation is fine; anything else is fatal for
		// this invocation.
		if !res.Success && res.Err.Kind != upstream.KindAlreadyExists {
			return d.failure(log, res.Err)
		}
		provisioned = res.Success
	}

	res := d.timed(func() upstream.Result {
		return d.upstream.IssueToken(ctx, email, models)
	})
	if !res.Success {
		return d.failure(log, res.Err)
	}

	d.metrics.IncCommandCompleted()
	log.Info("token issued",
		slog.String("email", email),
		slog.Int("models", len(models)),
		slog.Bool("provisioned", provisioned),
	)

	return formatTokenReply(email, models, res.Payload, provisioned)
}

// formatTokenReply builds the success response for create_token.
func formatTokenReply(email string, models []string, payload map[string]any, provisioned bool) string {
	var b strings.Builder
	b.WriteString("Access token created successfully!\n\n")

	if token := tokenValue(payload); token != "" {
		fmt.Fprintf(&b, "Token: %s\n", token)
	}
	fmt.Fprintf(&b, "Email: %s\n", email)
	if len(models) > 0 {
		fmt.Fprintf(&b, "Models: %s\n", strings.Join(models, ", "))
	}
	if expires, ok := payload["expires"].(string); ok && expires != "" {
		fmt.Fprintf(&b, "Expires: %s\n", expires)
	}
	if provisioned {
		b.WriteString("\nA new upstream user was created for this email.\n")
	}

	b.WriteString("\nKeep this token secure!")
	return b.String()
}

// tokenValue extracts the issued token; the field name varies by
// upstream version.
func tokenValue(payload map[string]any) string {
	for _, field := range []string{"key", "token"} {
		if v, ok := payload[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// throttle consults the rate limiter for privileged commands. Limiter
// outages fail open: a broken Redis must not take the bot down.
func (d *Dispatcher) throttle(ctx context.Context, log *slog.Logger, handle string) (string, bool) {
	allowed, retryAfter, err := d.limiter.Allow(ctx, handle)
	if err != nil {
		log.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return "", false
	}
	if !allowed {
		d.metrics.IncCommandThrottled()
		log.Warn("command throttled")
		return fmt.Sprintf("Too many requests. Try again in %s.", retryAfter), true
	}
	return "", false
}

// failure maps an upstream error kind to a user-facing message. Raw
// upstream bodies stay in the logs.
func (d *Dispatcher) failure(log *slog.Logger, err *upstream.Error) string {
	d.metrics.IncCommandFailed()
	log.Error("upstream call failed",
		slog.String("kind", string(err.Kind)),
		slog.Int("status", err.Status),
		slog.String("error", err.Message),
	)

	switch err.Kind {
	case upstream.KindNetwork:
		return "Could not reach the upstream API. Please try again later."
	case upstream.KindUpstream5xx:
		return "The upstream API had an internal error. Please try again later."
	case upstream.KindDecode:
		return "The upstream API returned an unexpected response."
	case upstream.KindAlreadyExists:
		return "The upstream API reported this identity already exists."
	default:
		return "The upstream API rejected the request."
	}
}

// timed runs one upstream call and records its duration.
func (d *Dispatcher) timed(call func() upstream.Result) upstream.Result {
	start := time.Now()
	res := call()
	d.metrics.ObserveUpstreamDuration(time.Since(start))
	return res
}
