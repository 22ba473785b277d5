// Package lockbridgesdk is the calling side of the lockbridge channel bridge.
//
// Client.Invoke never returns a failed external command as an error: those
// arrive as an Outcome carrying an ErrorKind. The error return is reserved
// for caller mistakes (*domain.CallerError), which are detected locally
// where possible so they never cost a round trip.
package lockbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"lockbridge/internal/domain"
	"lockbridge/internal/registry"
)

// maxReplyBytes bounds how much of an invoke reply is read.
const maxReplyBytes = 64 << 20

// Client is a lockbridge HTTP bridge client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout applies to non-invoke calls. Invoke is bounded by its context
	// and the server-side channel timeout.
	Timeout time.Duration
	// Registry is the local copy of the channel table used to reject unknown
	// channels and malformed arguments without a request.
	Registry *registry.Registry
	NewID    func() string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
		Registry: registry.Builtin(),
	}
}

// APIError wraps non-2xx responses of non-invoke calls.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// Invoke calls channel with positional args.
func (c *Client) Invoke(ctx context.Context, channel string, args ...any) (domain.Outcome, error) {
	return c.InvokeRequest(ctx, domain.Request{Channel: channel, Args: args})
}

// InvokeRequest sends req. An empty req.ID is filled with a new UUID.
func (c *Client) InvokeRequest(ctx context.Context, req domain.Request) (domain.Outcome, error) {
	if err := c.check(req); err != nil {
		return domain.Outcome{}, err
	}
	if req.ID == "" {
		req.ID = c.newID()
	}
	args := req.Args
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(domain.InvokeMessage{
		V:               domain.WireVersion,
		RequestID:       req.ID,
		Args:            args,
		TimeoutMs:       req.TimeoutMs,
		RequiresModules: req.RequiresModules,
	})
	if err != nil {
		return domain.Outcome{}, &domain.CallerError{Reason: domain.ReasonNotSerializable, Channel: req.Channel, Detail: err.Error()}
	}

	endpoint := c.url(fmt.Sprintf("channels/%s/invoke", url.PathEscape(req.Channel)))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Fail(domain.KindExternalFailure, "build bridge request", err.Error()), nil
	}
	c.authorize(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return transportFailure(ctx, err), nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes+1))
	if err != nil {
		return transportFailure(ctx, err), nil
	}
	if len(data) > maxReplyBytes {
		return domain.Fail(domain.KindMalformedResponse, "bridge reply too large", fmt.Sprintf("more than %d bytes", maxReplyBytes)), nil
	}

	if resp.StatusCode != http.StatusOK {
		return statusFailure(req.Channel, resp.StatusCode, data)
	}
	return decodeReply(req.ID, data), nil
}

// check applies the local allow-list and argument checks.
func (c *Client) check(req domain.Request) error {
	reg := c.Registry
	if reg == nil {
		reg = registry.Builtin()
	}
	entry, ok := reg.Lookup(req.Channel)
	if !ok {
		return domain.NewCallerError(domain.ReasonUnknownChannel, req.Channel, "channel is not registered")
	}
	for i, arg := range req.Args {
		if err := roundTrips(arg); err != nil {
			name := strconv.Itoa(i)
			if i < len(entry.Args) {
				name = entry.Args[i].Name
			}
			return &domain.CallerError{Reason: domain.ReasonNotSerializable, Channel: req.Channel, Arg: name, Detail: err.Error()}
		}
	}
	if req.TimeoutMs < 0 {
		return domain.NewCallerError(domain.ReasonInvalidArgument, req.Channel, "timeout_ms must not be negative")
	}
	if _, err := entry.Bind(normalizeArgs(req.Args)); err != nil {
		return err
	}
	return nil
}

// roundTrips reports an error unless v survives a JSON encode/decode cycle
// unchanged. encoding/json silently replaces invalid UTF-8 with an escaped
// U+FFFD, which is the one lossy case a successful Marshal can hide.
func roundTrips(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if replacedRune.Match(data) {
		return errors.New("string is not valid UTF-8")
	}
	return nil
}

var replacedRune = regexp.MustCompile(`(^|[^\\])(\\\\)*\\ufffd`)

// normalizeArgs gives local validation the same view of args the server
// gets after JSON decoding.
func normalizeArgs(args []any) []any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []any
	if dec.Decode(&out) != nil {
		return args
	}
	return out
}

func transportFailure(ctx context.Context, err error) domain.Outcome {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.Fail(domain.KindCancelled, "request cancelled", err.Error())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.Fail(domain.KindTimeout, "bridge request timed out", err.Error())
	default:
		return domain.Fail(domain.KindExternalFailure, "bridge unreachable", err.Error())
	}
}

// statusFailure maps a non-200 invoke reply. Documented 4xx rejections
// become CallerErrors; everything else is an external failure.
func statusFailure(channel string, status int, data []byte) (domain.Outcome, error) {
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	code, msg := env.Error.Code, env.Error.Message

	switch {
	case status == http.StatusTooManyRequests:
		return domain.Fail(domain.KindExternalFailure, "bridge rate limit exceeded", msg), nil
	case status >= 500:
		return domain.Fail(domain.KindExternalFailure, fmt.Sprintf("bridge error (status %d)", status), firstNonEmpty(msg, snippet(data))), nil
	case status >= 400 && code != "":
		ce := &domain.CallerError{Reason: callerReason(status, code), Channel: channel, Detail: msg}
		if arg, ok := env.Error.Details["arg"].(string); ok {
			ce.Arg = arg
		}
		return domain.Outcome{}, ce
	default:
		return domain.Fail(domain.KindExternalFailure, fmt.Sprintf("unexpected bridge status %d", status), snippet(data)), nil
	}
}

func callerReason(status int, code string) domain.CallerReason {
	switch domain.CallerReason(code) {
	case domain.ReasonUnknownChannel, domain.ReasonInvalidArgument, domain.ReasonModuleNotAllowed,
		domain.ReasonPathNotAllowed, domain.ReasonNotSerializable, domain.ReasonUnauthorized, domain.ReasonForbidden:
		return domain.CallerReason(code)
	}
	switch status {
	case http.StatusUnauthorized:
		return domain.ReasonUnauthorized
	case http.StatusForbidden:
		return domain.ReasonForbidden
	case http.StatusNotFound:
		return domain.ReasonUnknownChannel
	default:
		return domain.ReasonInvalidArgument
	}
}

// decodeReply parses a 200 invoke reply. Anything that is not exactly a v1
// reply for this request is a MalformedResponse.
func decodeReply(requestID string, data []byte) domain.Outcome {
	dec := json.NewDecoder(bytes.NewReader(data))
	var reply struct {
		V         int             `json:"v"`
		RequestID string          `json:"request_id"`
		Outcome   *domain.Outcome `json:"outcome"`
	}
	if err := dec.Decode(&reply); err != nil {
		return domain.Fail(domain.KindMalformedResponse, "bridge reply is not a valid message", err.Error()+": "+snippet(data))
	}
	if dec.More() {
		return domain.Fail(domain.KindMalformedResponse, "bridge reply has trailing data", snippet(data))
	}
	if reply.V != domain.WireVersion {
		return domain.Fail(domain.KindMalformedResponse, fmt.Sprintf("unsupported bridge message version %d", reply.V), "")
	}
	if reply.RequestID != requestID {
		return domain.Fail(domain.KindMalformedResponse, "bridge reply is for another request", fmt.Sprintf("want %s, got %s", requestID, reply.RequestID))
	}
	if reply.Outcome == nil {
		return domain.Fail(domain.KindMalformedResponse, "bridge reply has no outcome", snippet(data))
	}
	return *reply.Outcome
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return strings.ToValidUTF8(s, "?")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ListChannels returns the server's channel table.
func (c *Client) ListChannels(ctx context.Context) ([]domain.ChannelInfo, error) {
	var resp struct {
		Items []domain.ChannelInfo `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "channels", nil, &resp)
	return resp.Items, err
}

// Health reports server liveness.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

type Health struct {
	Status      string `json:"status"`
	WireVersion int    `json:"wire_version"`
	Channels    int    `json:"channels"`
	Ledger      bool   `json:"ledger"`
}

// InvocationQuery filters the audit ledger.
type InvocationQuery struct {
	Channel string
	Kind    string
	ActorID string
	Failed  bool
	Limit   int
	Cursor  string
}

// PaginatedInvocations wraps list responses with cursors.
type PaginatedInvocations struct {
	Items      []domain.Invocation `json:"items"`
	NextCursor string              `json:"next_cursor"`
}

// Invocations returns one page of the audit ledger, newest first.
func (c *Client) Invocations(ctx context.Context, q InvocationQuery) (PaginatedInvocations, error) {
	params := url.Values{}
	if q.Channel != "" {
		params.Set("channel", q.Channel)
	}
	if q.Kind != "" {
		params.Set("kind", q.Kind)
	}
	if q.ActorID != "" {
		params.Set("actor_id", q.ActorID)
	}
	if q.Failed {
		params.Set("failed", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	endpoint := "invocations"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedInvocations
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Invocation fetches one ledger entry by request id.
func (c *Client) Invocation(ctx context.Context, requestID string) (domain.Invocation, error) {
	var resp domain.Invocation
	err := c.do(ctx, http.MethodGet, "invocations/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var env errorEnvelope
		_ = json.Unmarshal(b, &env)
		return &APIError{StatusCode: resp.StatusCode, Code: env.Error.Code, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c.HTTPClient
}

func (c *Client) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
