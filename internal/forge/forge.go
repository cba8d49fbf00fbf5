// Package forge talks to a Git-forge's REST and GraphQL metadata APIs:
// repository status lookups, batched queries, and rate-limit introspection.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/go-github/v73/github"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/archiveforge/git-archiver/internal/core"
	"github.com/archiveforge/git-archiver/internal/urlcanon"
)

// RepoMeta is the shape get_repo and batch_get_repos return for one
// (owner, name) pair.
type RepoMeta struct {
	Owner       string
	Name        string
	Description string
	Private     bool
	Archived    bool
	NotFound    bool
}

// RateLimit mirrors the forge's advertised request budget.
type RateLimit struct {
	Limit      int
	Remaining  int
	ResetEpoch int64
}

// OwnerName identifies one repository for a batch lookup.
type OwnerName struct {
	Owner string
	Name  string
}

// maxBatchSize is the largest chunk BatchGetRepos sends as a single GraphQL
// request; larger inputs are split into chunks of this size by BatchGetRepos.
const maxBatchSize = 100

// Client is the Forge API Client (C6): REST for single lookups, a batched
// GraphQL query for many, and rate-limit introspection, all token-scoped.
type Client struct {
	rest    *github.Client
	graphql *githubv4.Client
	logger  *slog.Logger
	limiter *rate.Limiter

	// suspendedUntil is a unix epoch; while now < suspendedUntil every call
	// blocks in gate before issuing a request, honoring a 429/secondary-rate-
	// limit response's advertised reset time. 0 means not suspended.
	suspendedUntil atomic.Int64
}

// NewClient builds a Client authenticated with a personal access token.
// token may be empty, in which case requests run unauthenticated (subject
// to the forge's much lower anonymous rate limit).
func NewClient(ctx context.Context, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	retryable := retryablehttp.NewClient()
	retryable.Logger = nil
	retryable.RetryMax = 3
	retryable.HTTPClient = cleanhttp.DefaultPooledClient()
	retryable.CheckRetry = retryablehttp.DefaultRetryPolicy

	httpClient := retryable.StandardClient()
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, httpClient), ts)
	}

	return &Client{
		rest:    github.NewClient(httpClient),
		graphql: githubv4.NewClient(httpClient),
		logger:  logger,
		// Proactive pacing independent of the retry policy: spend at most
		// ~1 request/second on average, bursting to 10, so routine polling
		// of many repositories never itself triggers a secondary rate limit.
		limiter: rate.NewLimiter(rate.Limit(1), 10),
	}
}

// ValidateBaseURL checks a configured forge base URL against the contract a
// production deployment must meet: HTTPS, a host that resolves, and not a
// loopback or private address unless allowLoopback is set (the escape hatch
// exists only so tests can point the client at an httptest.Server).
func ValidateBaseURL(rawURL string, allowLoopback bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("forge base url: %w", err)
	}
	if parsed.Scheme != "https" {
		if !(allowLoopback && parsed.Scheme == "http") {
			return fmt.Errorf("forge base url: scheme must be https, got %q", parsed.Scheme)
		}
	}
	host := parsed.Hostname()
	if host == "" {
		return errors.New("forge base url: missing host")
	}
	if allowLoopback {
		return nil
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("forge base url: host %q does not resolve: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return fmt.Errorf("forge base url: host %q resolves to a loopback/private address", host)
		}
	}
	return nil
}

// NewClientWithEndpoint builds a Client against a non-default REST/GraphQL
// endpoint (self-hosted forge deployments, or an httptest.Server in tests).
// restBaseURL is validated with ValidateBaseURL; callers outside tests must
// always pass allowLoopback = false.
func NewClientWithEndpoint(ctx context.Context, token, restBaseURL, graphqlURL string, allowLoopback bool, logger *slog.Logger) (*Client, error) {
	if err := ValidateBaseURL(restBaseURL, allowLoopback); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	retryable := retryablehttp.NewClient()
	retryable.Logger = nil
	retryable.RetryMax = 3
	retryable.HTTPClient = cleanhttp.DefaultPooledClient()
	retryable.CheckRetry = retryablehttp.DefaultRetryPolicy

	httpClient := retryable.StandardClient()
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, httpClient), ts)
	}

	restClient := github.NewClient(httpClient)
	base, err := url.Parse(restBaseURL)
	if err != nil {
		return nil, fmt.Errorf("forge base url: %w", err)
	}
	restClient.BaseURL = base

	return &Client{
		rest:    restClient,
		graphql: githubv4.NewEnterpriseClient(graphqlURL, httpClient),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(1), 10),
	}, nil
}

// suspendUntil records that the forge asked us to back off until reset, so
// every subsequent call (REST or GraphQL, any repository) blocks in gate
// instead of spending more of an already-exhausted budget.
func (c *Client) suspendUntil(reset int64) {
	for {
		cur := c.suspendedUntil.Load()
		if reset <= cur {
			return
		}
		if c.suspendedUntil.CompareAndSwap(cur, reset) {
			return
		}
	}
}

// gate blocks until both the proactive pacing limiter and any active
// rate-limit suspension (from a prior 429/secondary-rate-limit response)
// clear, or ctx is done.
func (c *Client) gate(ctx context.Context) error {
	if until := c.suspendedUntil.Load(); until > 0 {
		wait := time.Until(time.Unix(until, 0))
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return c.limiter.Wait(ctx)
}

// GetRepo fetches a single repository's forge metadata. A 404 is reported as
// RepoMeta{NotFound: true}, nil — not an error.
func (c *Client) GetRepo(ctx context.Context, owner, name string) (RepoMeta, error) {
	if !urlcanon.ValidSegment(owner) || !urlcanon.ValidSegment(name) {
		return RepoMeta{}, &core.ForgeError{Kind: core.ForgeErrorTransport, Err: fmt.Errorf("invalid owner/name %q/%q", owner, name)}
	}
	if err := c.gate(ctx); err != nil {
		return RepoMeta{}, err
	}

	repo, resp, err := c.rest.Repositories.Get(ctx, owner, name)
	if err != nil {
		rerr := classifyRESTError(resp, err)
		var forgeErr *core.ForgeError
		if errors.As(rerr, &forgeErr) && forgeErr.Kind == core.ForgeErrorNotFound {
			return RepoMeta{Owner: owner, Name: name, NotFound: true}, nil
		}
		var rlErr *core.RateLimitedError
		if errors.As(rerr, &rlErr) {
			c.suspendUntil(rlErr.ResetEpoch)
		}
		return RepoMeta{}, rerr
	}

	return RepoMeta{
		Owner:       owner,
		Name:        name,
		Description: repo.GetDescription(),
		Private:     repo.GetPrivate(),
		Archived:    repo.GetArchived(),
	}, nil
}

// BatchGetRepos resolves many (owner, name) pairs in as few round trips as
// possible: one GraphQL request per chunk of at most 100, using numeric
// aliases so a single query covers the whole chunk. If the client has no
// token, or the GraphQL endpoint returns a transport error, it falls back to
// singular REST calls for that chunk instead, issued one after another (the
// fallback does not run them in parallel). Every owner/name is
// validated against the URL canonicalizer's character class before being
// substituted into a query; anything outside that class is rejected before
// any network call.
func (c *Client) BatchGetRepos(ctx context.Context, subjects []OwnerName) ([]RepoMeta, error) {
	for _, s := range subjects {
		if !urlcanon.ValidSegment(s.Owner) || !urlcanon.ValidSegment(s.Name) {
			return nil, &core.ForgeError{Kind: core.ForgeErrorTransport, Err: fmt.Errorf("invalid owner/name %q/%q", s.Owner, s.Name)}
		}
	}

	out := make([]RepoMeta, 0, len(subjects))
	for start := 0; start < len(subjects); start += maxBatchSize {
		end := min(start+maxBatchSize, len(subjects))
		chunk := subjects[start:end]

		results, err := c.batchViaGraphQL(ctx, chunk)
		if err != nil {
			c.logger.WarnContext(ctx, "graphql batch failed, falling back to REST", "error", err, "chunk_size", len(chunk))
			results, err = c.batchViaREST(ctx, chunk)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, results...)
	}
	return out, nil
}

// repoFields is embedded once per alias in the dynamically built query
// struct below; githubv4 decodes each aliased selection into one instance.
type repoFields struct {
	Description githubv4.String
	IsPrivate   githubv4.Boolean
	IsArchived  githubv4.Boolean
}

// batchViaGraphQL builds one GraphQL document with a `repoN: repository(...)`
// aliased selection per subject and decodes it in a single round trip. The
// query struct is assembled at runtime with reflect.StructOf since the
// number of aliases varies per chunk; each field's type is a pointer to
// repoFields so a null selection (repository not found) decodes to a nil
// pointer instead of a zero-valued struct indistinguishable from "found,
// all fields empty".
func (c *Client) batchViaGraphQL(ctx context.Context, chunk []OwnerName) ([]RepoMeta, error) {
	if err := c.gate(ctx); err != nil {
		return nil, err
	}

	ptrRepoFields := reflect.PointerTo(reflect.TypeOf(repoFields{}))
	fields := make([]reflect.StructField, len(chunk))
	vars := make(map[string]interface{}, len(chunk)*2)
	for i, subj := range chunk {
		tag := fmt.Sprintf(`graphql:"repo%d: repository(owner: $owner%d, name: $name%d)"`, i, i, i)
		fields[i] = reflect.StructField{
			Name: fmt.Sprintf("Repo%d", i),
			Type: ptrRepoFields,
			Tag:  reflect.StructTag(tag),
		}
		vars[fmt.Sprintf("owner%d", i)] = githubv4.String(subj.Owner)
		vars[fmt.Sprintf("name%d", i)] = githubv4.String(subj.Name)
	}

	queryVal := reflect.New(reflect.StructOf(fields))
	if err := c.graphql.Query(ctx, queryVal.Interface(), vars); err != nil {
		return nil, &core.ForgeError{Kind: core.ForgeErrorTransport, Err: err}
	}

	out := make([]RepoMeta, len(chunk))
	structVal := queryVal.Elem()
	for i, subj := range chunk {
		field := structVal.Field(i)
		if field.IsNil() {
			out[i] = RepoMeta{Owner: subj.Owner, Name: subj.Name, NotFound: true}
			continue
		}
		r := field.Interface().(*repoFields)
		out[i] = RepoMeta{
			Owner:       subj.Owner,
			Name:        subj.Name,
			Description: string(r.Description),
			Private:     bool(r.IsPrivate),
			Archived:    bool(r.IsArchived),
		}
	}
	return out, nil
}

func (c *Client) batchViaREST(ctx context.Context, chunk []OwnerName) ([]RepoMeta, error) {
	out := make([]RepoMeta, len(chunk))
	for i, subj := range chunk {
		meta, err := c.GetRepo(ctx, subj.Owner, subj.Name)
		var forgeErr *core.ForgeError
		if errors.As(err, &forgeErr) && forgeErr.Kind == core.ForgeErrorNotFound {
			out[i] = RepoMeta{Owner: subj.Owner, Name: subj.Name, NotFound: true}
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = meta
	}
	return out, nil
}

// RateLimitStatus reports the forge's currently advertised request budget.
func (c *Client) RateLimitStatus(ctx context.Context) (RateLimit, error) {
	if err := c.gate(ctx); err != nil {
		return RateLimit{}, err
	}
	limits, _, err := c.rest.RateLimit.Get(ctx)
	if err != nil {
		return RateLimit{}, &core.ForgeError{Kind: core.ForgeErrorTransport, Err: err}
	}
	coreLimit := limits.GetCore()
	return RateLimit{
		Limit:      coreLimit.Limit,
		Remaining:  coreLimit.Remaining,
		ResetEpoch: coreLimit.Reset.Unix(),
	}, nil
}

func classifyRESTError(resp *github.Response, err error) error {
	if resp == nil {
		return &core.ForgeError{Kind: core.ForgeErrorTransport, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &core.ForgeError{Kind: core.ForgeErrorNotFound, Err: err}
	case http.StatusTooManyRequests:
		return &core.RateLimitedError{ResetEpoch: rateLimitReset(resp)}
	case http.StatusUnauthorized, http.StatusForbidden:
		if resp.StatusCode == http.StatusForbidden {
			if reset, ok := parseRateLimitReset(resp); ok {
				return &core.RateLimitedError{ResetEpoch: reset}
			}
		}
		return &core.ForgeError{Kind: core.ForgeErrorAuth, Err: err}
	default:
		return &core.ForgeError{Kind: core.ForgeErrorTransport, Err: err}
	}
}

// rateLimitReset resolves a 429's reset time. GitHub's primary rate limit
// advertises an absolute epoch via X-RateLimit-Reset; its secondary
// (abuse-detection) limit instead advertises a relative delay via
// Retry-After. Either is accepted; a response lacking both suspends for a
// conservative default so the next call still backs off instead of
// retrying immediately.
func rateLimitReset(resp *github.Response) int64 {
	if reset, ok := parseRateLimitReset(resp); ok {
		return reset
	}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		var seconds int64
		if _, scanErr := fmt.Sscanf(retryAfter, "%d", &seconds); scanErr == nil {
			return time.Now().Add(time.Duration(seconds) * time.Second).Unix()
		}
	}
	return time.Now().Add(time.Minute).Unix()
}

func parseRateLimitReset(resp *github.Response) (int64, bool) {
	resetAt := resp.Header.Get("X-RateLimit-Reset")
	if resetAt == "" {
		return 0, false
	}
	var epoch int64
	if _, scanErr := fmt.Sscanf(resetAt, "%d", &epoch); scanErr != nil {
		return 0, false
	}
	return epoch, true
}
