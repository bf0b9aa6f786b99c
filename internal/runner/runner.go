// Package runner drives a test run: discovery, then for each identity login,
// token validation, dispatch of every in-scope test case, evaluation and
// logout.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/bigthinkcode/rest-tester/internal/assert"
	"github.com/bigthinkcode/rest-tester/internal/auth"
	"github.com/bigthinkcode/rest-tester/internal/config"
	"github.com/bigthinkcode/rest-tester/internal/discovery"
	"github.com/bigthinkcode/rest-tester/internal/dispatch"
	"github.com/bigthinkcode/rest-tester/internal/metrics"
	"github.com/bigthinkcode/rest-tester/internal/normalize"
	"github.com/bigthinkcode/rest-tester/internal/registry"
	"github.com/bigthinkcode/rest-tester/internal/report"
	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

// payloadName matches string data that names a registered payload builder.
// Other strings are sent as raw bodies.
var payloadName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// Options configure a Runner.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Sink     report.Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Runner executes configured identities against discovered test groups.
type Runner struct {
	cfg      *config.Config
	registry *registry.Registry
	sink     report.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	engine *assert.Engine
	ids    assert.IDSet
}

// New creates a Runner. Registry, Sink and Metrics are optional.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	cfg := opts.Config
	return &Runner{
		cfg:      cfg,
		registry: reg,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   logger,
		engine: assert.New(assert.Defaults{
			StatusCode: cfg.Defaults.ExpectedStatusCode,
			Timeout:    cfg.Defaults.TimeoutSeconds,
		}, reg, logger),
	}
}

// Run discovers the test groups once and runs every identity in order. The
// returned error is set only for problems that stop the whole run; failed
// assertions and aborted identities are reported in the summary.
func (r *Runner) Run(ctx context.Context) (*report.Summary, error) {
	start := time.Now()
	summary := &report.Summary{}

	repo, err := discovery.Discover(r.cfg.Execution.TestsDir, r.normalizer(), r.logger)
	if err != nil {
		return summary, err
	}

	shared, err := r.newSender()
	if err != nil {
		return summary, err
	}

	for _, user := range r.cfg.Users {
		if err := ctx.Err(); err != nil {
			return r.finish(summary, start, err)
		}

		sender := shared
		if r.cfg.HTTP.Method == dispatch.MethodSession {
			// Cookies must not leak from one identity to the next.
			if sender, err = r.newSender(); err != nil {
				return r.finish(summary, start, err)
			}
		}

		err := r.runIdentity(ctx, user, sender, repo, summary)
		if c, ok := sender.(*dispatch.SessionClient); ok && sender != shared {
			c.Close()
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r.finish(summary, start, ctxErr)
			}
			r.logger.Error("identity aborted", "identity", user.Name, "error", err)
			summary.IdentityErrors = append(summary.IdentityErrors, report.IdentityError{
				Identity: user.Name,
				Error:    err.Error(),
			})
			r.recordIdentity("aborted")
			continue
		}
		r.recordIdentity("completed")
	}

	return r.finish(summary, start, nil)
}

func (r *Runner) finish(summary *report.Summary, start time.Time, runErr error) (*report.Summary, error) {
	summary.Duration = time.Since(start)
	if r.sink != nil {
		if err := r.sink.Close(*summary); err != nil {
			r.logger.Error("closing report", "error", err)
			if runErr == nil {
				runErr = fmt.Errorf("writing report: %w", err)
			}
		}
	}
	r.logger.Info("run finished",
		"passed", summary.Passed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"aborted_identities", len(summary.IdentityErrors),
		"duration", summary.Duration.Round(time.Millisecond))
	return summary, runErr
}

func (r *Runner) normalizer() discovery.Normalizer {
	if !r.cfg.Execution.AutoConvert {
		return nil
	}
	opts := normalize.Options{Seed: r.cfg.Execution.Seed}
	return func(path string) (string, error) {
		return normalize.Normalize(path, opts, r.logger)
	}
}

func (r *Runner) newSender() (dispatch.Sender, error) {
	return dispatch.New(dispatch.Options{
		Method:            r.cfg.HTTP.Method,
		BaseURL:           r.cfg.HTTP.BaseURL,
		VerifySSL:         r.cfg.HTTP.SSLVerification(),
		Timeout:           time.Duration(r.cfg.HTTP.RequestTimeoutSeconds * float64(time.Second)),
		RequestsPerSecond: r.cfg.HTTP.RequestsPerSecond,
		Logger:            r.logger,
	})
}

// runIdentity logs user in, validates the token once and runs every test case
// in the user's groups. The session is always logged out.
func (r *Runner) runIdentity(ctx context.Context, user config.UserToken, sender dispatch.Sender, repo *discovery.Repository, summary *report.Summary) error {
	authn := auth.New(r.cfg.Auth, sender, r.logger)
	session := authn.Login(user.Token)
	defer authn.Logout(session)

	logger := r.logger.With("identity", user.Name)
	if err := authn.Validate(ctx, session); err != nil {
		return err
	}

	groups := repo.Select(user.TestGroups)
	if len(groups) == 0 {
		logger.Warn("no test groups in scope", "assigned", user.TestGroups)
	}
	logger.Info("running identity", "groups", len(groups), "state", session.State().String())

	for _, g := range groups {
		for _, tc := range g.Cases {
			if err := r.runCase(ctx, user.Name, g.Path, tc, sender, session, summary); err != nil {
				return err
			}
		}
	}
	return nil
}

// runCase sends one test case and evaluates its active expectations. A
// transport failure is recorded as a failed result for every expectation.
// Only cancellation is returned as an error.
func (r *Runner) runCase(ctx context.Context, identity, group string, tc testcase.TestCase, sender dispatch.Sender, session *auth.Session, summary *report.Summary) error {
	req := dispatch.Request{
		Method:   tc.API.Method,
		Endpoint: tc.API.URI,
		Params:   dispatch.QueryValues(tc.API.Params),
		Body:     r.payload(tc.API),
		Header:   session.Header(),
	}

	resp, sendErr := sender.Send(ctx, req)
	if sendErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.metrics != nil {
			r.metrics.RecordDispatchError()
		}
	} else if r.metrics != nil {
		r.metrics.RecordRequest(tc.API.Method, resp.Elapsed)
	}

	for _, exp := range tc.Tests.Active() {
		in := assert.Input{
			Group:       group,
			URI:         tc.API.URI,
			Identity:    identity,
			Response:    resp,
			Expectation: exp,
		}

		var res assert.Result
		if sendErr != nil {
			res = assert.Errored(in, sendErr)
		} else {
			res = r.engine.Evaluate(in)
		}
		r.record(res, summary)
	}
	return nil
}

func (r *Runner) record(res assert.Result, summary *report.Summary) {
	res.ID = r.ids.Unique(res.ID)
	summary.Add(res)

	if r.metrics != nil {
		r.metrics.RecordAssertion(string(res.Kind), outcome(res))
	}
	if r.sink != nil {
		r.sink.Record(res)
	}
	if res.Failed() {
		r.logger.Debug("assertion failed", "id", res.ID, "message", res.Message)
	}
}

// payload materializes test-case data. Strings that look like names are
// looked up in the registry unless marked raw; an unknown name sends no body.
func (r *Runner) payload(api testcase.API) any {
	name, ok := api.Data.(string)
	if !ok || api.RawData || !payloadName.MatchString(name) {
		return api.Data
	}
	if v, ok := r.registry.Payload(name); ok {
		return v
	}
	r.logger.Warn("payload not registered, sending no body", "payload", name)
	return nil
}

func (r *Runner) recordIdentity(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordIdentity(outcome)
	}
}

func outcome(res assert.Result) string {
	switch {
	case res.Skipped:
		return "skipped"
	case res.Passed:
		return "passed"
	}
	return "failed"
}

// IsFatal reports whether err stopped the run before identities ran.
func IsFatal(err error) bool {
	return errors.Is(err, discovery.ErrRootNotFound) ||
		errors.Is(err, normalize.ErrReferenceNotFound) ||
		errors.Is(err, dispatch.ErrInvalidMethod)
}
