// Package jobs correlates requests sent to workers with the responses that
// come back on the bridge's queue. Every request gets a unique job key that
// the worker echoes in its reply headers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/noco-ai/arcane-bridge/internal/broker"
)

// DefaultPrefix names the job keys handed to workers.
const DefaultPrefix = "core_llm_service"

// DefaultTimeout is how long a job may wait for its response.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrJobExpired is passed to the failure continuation of a job whose
	// deadline passed without a response.
	ErrJobExpired = errors.New("jobs: job expired")
	// ErrInvalidJSON is passed when a successful response body is not JSON.
	ErrInvalidJSON = errors.New("jobs: invalid json for job")
)

// WorkerError carries the error list a worker reported with success=false.
type WorkerError struct {
	Job    string
	Errors []string
}

func (e *WorkerError) Error() string {
	return "error from elemental golem: " + strings.Join(e.Errors, ", ")
}

// SuccessFunc receives the parsed response body.
type SuccessFunc func(result json.RawMessage)

// FailureFunc receives the reason a job failed.
type FailureFunc func(err error)

type job struct {
	key       string
	onSuccess SuccessFunc
	onFailure FailureFunc
	deadline  time.Time
}

// Options configures a Registry.
type Options struct {
	Prefix  string
	Timeout time.Duration
}

// Registry tracks outstanding jobs. It is safe for concurrent use.
type Registry struct {
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	seq      uint64
	jobs     map[string]*job
	resolved *recentKeys
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Registry{
		prefix:   opts.Prefix,
		timeout:  opts.Timeout,
		logger:   logger.With("component", "jobs"),
		now:      time.Now,
		jobs:     make(map[string]*job),
		resolved: newRecentKeys(1024),
	}
}

// Create registers a job for a request to model and returns the headers the
// request must carry: job, user_id, custom_data and model. customData may be
// nil.
func (r *Registry) Create(model string, userID int64, customData any, onSuccess SuccessFunc, onFailure FailureFunc) broker.Headers {
	r.mu.Lock()
	r.seq++
	key := fmt.Sprintf("%s_%d", r.prefix, r.seq)
	r.mu.Unlock()

	r.Register(key, onSuccess, onFailure)

	if customData == nil {
		customData = map[string]any{}
	}
	return broker.Headers{
		"job":         key,
		"user_id":     userID,
		"custom_data": customData,
		"model":       model,
	}
}

// Register tracks a job under an explicit key. An existing job with the same
// key is replaced without notice.
func (r *Registry) Register(key string, onSuccess SuccessFunc, onFailure FailureFunc) {
	if onSuccess == nil {
		onSuccess = func(json.RawMessage) {}
	}
	if onFailure == nil {
		onFailure = func(error) {}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[key] = &job{
		key:       key,
		onSuccess: onSuccess,
		onFailure: onFailure,
		deadline:  r.now().Add(r.timeout),
	}
}

// Pending returns the number of outstanding jobs.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Cancel forgets a job without running either continuation.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[key]; !ok {
		return false
	}
	delete(r.jobs, key)
	r.resolved.add(key)
	return true
}

// Resolve completes the job named by the job header. The job is removed
// before its continuation runs, so a second response for the same key is a
// logged no-op. It reports whether a job was found.
func (r *Registry) Resolve(headers broker.Headers, body []byte) bool {
	key := headers.String("job")
	if key == "" {
		return false
	}

	r.mu.Lock()
	j, ok := r.jobs[key]
	if ok {
		delete(r.jobs, key)
		r.resolved.add(key)
	}
	seen := !ok && r.resolved.has(key)
	r.mu.Unlock()

	if !ok {
		switch {
		case seen:
			r.logger.Warn("response for already resolved job dropped", "job", key)
		case strings.HasPrefix(key, r.prefix+"_"):
			r.logger.Warn("no running job found", "job", key)
		default:
			r.logger.Debug("response is not for a tracked job", "job", key)
		}
		return false
	}

	if success, _ := headers.Bool("success"); !success {
		errs := headers.Strings("errors")
		if len(errs) == 0 {
			errs = []string{"invalid response received"}
		}
		j.onFailure(&WorkerError{Job: key, Errors: errs})
		return true
	}

	if !json.Valid(body) {
		j.onFailure(fmt.Errorf("%w %s", ErrInvalidJSON, key))
		return true
	}
	j.onSuccess(json.RawMessage(body))
	return true
}

// Sweep fails every job whose deadline has passed with ErrJobExpired. It
// returns the number of jobs expired.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	var expired []*job
	for key, j := range r.jobs {
		if now.After(j.deadline) {
			expired = append(expired, j)
			delete(r.jobs, key)
			r.resolved.add(key)
		}
	}
	r.mu.Unlock()

	for _, j := range expired {
		r.logger.Warn("job expired without a response", "job", j.key)
		j.onFailure(fmt.Errorf("%w: %s", ErrJobExpired, j.key))
	}
	return len(expired)
}

// recentKeys remembers the last n resolved keys so late duplicates can be
// told apart from unknown jobs.
type recentKeys struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentKeys(n int) *recentKeys {
	return &recentKeys{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

func (k *recentKeys) add(key string) {
	if old := k.ring[k.next]; old != "" {
		delete(k.set, old)
	}
	k.ring[k.next] = key
	k.set[key] = struct{}{}
	k.next = (k.next + 1) % len(k.ring)
}

func (k *recentKeys) has(key string) bool {
	_, ok := k.set[key]
	return ok
}

// Handler returns the broker consumer that resolves job responses. It always
// acknowledges.
func (r *Registry) Handler() broker.HandlerFunc {
	return func(_ context.Context, d *broker.Delivery) (bool, error) {
		r.Resolve(d.Headers, d.Body)
		return true, nil
	}
}
