package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var _ adapter.RemoteStore = (*RESTRemote)(nil)

// RateLimiter is the slice of the redis limiter the adapter needs.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RESTRemote speaks the prompt-store HTTP API:
//
//	GET  /api/v1/capabilities
//	GET  /api/v1/prompts/count
//	GET  /api/v1/prompts?offset=&limit=&ids=&tags=&prefix=&modified_after=
//	POST /api/v1/prompts/batch
//	WS   /api/v1/realtime
type RESTRemote struct {
	baseURL string
	apiKey  string
	client  *http.Client

	limiter    RateLimiter
	limiterKey string
	rateLimit  int
}

const defaultRateLimit = 120 // requests per minute

func NewRESTRemote(conn *model.SyncConnection, limiter RateLimiter) (*RESTRemote, error) {
	base, err := url.Parse(conn.Credentials.URL)
	if err != nil {
		return nil, &domain.ValidationError{Field: "credentials.url", Msg: err.Error()}
	}
	return &RESTRemote{
		baseURL:    strings.TrimRight(base.String(), "/"),
		apiKey:     conn.Credentials.APIKey,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		limiterKey: conn.ID,
		rateLimit:  defaultRateLimit,
	}, nil
}

// restRecord is the wire shape of one record.
type restRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Deleted   bool      `json:"deleted,omitempty"`
}

func (r restRecord) toModel() model.RemoteRecord {
	return model.RemoteRecord{
		ID: r.ID, Name: r.Name, Content: r.Content, Tags: r.Tags,
		Version: r.Version, UpdatedAt: r.UpdatedAt, Deleted: r.Deleted,
	}
}

func fromModel(rec model.RemoteRecord) restRecord {
	return restRecord{
		ID: rec.ID, Name: rec.Name, Content: rec.Content, Tags: rec.Tags,
		Version: rec.Version, UpdatedAt: rec.UpdatedAt, Deleted: rec.Deleted,
	}
}

func (r *RESTRemote) throttle(ctx context.Context, operation string) error {
	if r.limiter == nil {
		return nil
	}
	ok, err := r.limiter.Allow(ctx, "rate_limit:"+r.limiterKey+":"+operation, r.rateLimit, time.Minute)
	if err != nil {
		// Limiter outage must not take the sync down with it.
		return nil
	}
	if !ok {
		return domain.Transient(operation, errors.New("request rate limit exhausted"))
	}
	return nil
}

// do issues one JSON request and decodes the response into out (when
// non-nil). Auth failures and server-side errors map to domain errors.
func (r *RESTRemote) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = strings.NewReader(string(b))
	} else {
		reqBody = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthorizationError{Op: method + " " + path, Err: errors.New(resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.Transient(method+" "+path, errors.New(resp.Status))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *RESTRemote) Handshake(ctx context.Context) (model.Capabilities, error) {
	if err := r.throttle(ctx, "handshake"); err != nil {
		return model.Capabilities{}, err
	}
	var out struct {
		Realtime     bool   `json:"realtime"`
		ServiceLevel string `json:"serviceLevel"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/v1/capabilities", nil, &out); err != nil {
		return model.Capabilities{}, err
	}
	return model.Capabilities{Realtime: out.Realtime, ServiceLevel: out.ServiceLevel}, nil
}

func filterQuery(f model.PromptFilter) url.Values {
	q := url.Values{}
	if len(f.Tags) > 0 {
		q.Set("tags", strings.Join(f.Tags, ","))
	}
	if f.NamePrefix != "" {
		q.Set("prefix", f.NamePrefix)
	}
	if f.ModifiedAfter != nil {
		q.Set("modified_after", f.ModifiedAfter.UTC().Format(time.RFC3339))
	}
	return q
}

func (r *RESTRemote) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	if err := r.throttle(ctx, "count"); err != nil {
		return 0, err
	}
	q := filterQuery(filter)
	var out struct {
		Count int `json:"count"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/v1/prompts/count?"+q.Encode(), nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (r *RESTRemote) FetchBatch(ctx context.Context, filter model.PromptFilter, offset, limit int) (adapter.FetchPage, error) {
	if err := r.throttle(ctx, "fetch"); err != nil {
		return adapter.FetchPage{}, err
	}
	q := filterQuery(filter)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Records []restRecord `json:"records"`
		Total   int          `json:"total"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/v1/prompts?"+q.Encode(), nil, &out); err != nil {
		return adapter.FetchPage{}, err
	}
	page := adapter.FetchPage{Total: out.Total, Records: make([]model.RemoteRecord, 0, len(out.Records))}
	for _, rec := range out.Records {
		page.Records = append(page.Records, rec.toModel())
	}
	return page, nil
}

func (r *RESTRemote) FetchByIDs(ctx context.Context, ids []string) ([]model.RemoteRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := r.throttle(ctx, "fetch"); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))

	var out struct {
		Records []restRecord `json:"records"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/v1/prompts?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	recs := make([]model.RemoteRecord, 0, len(out.Records))
	for _, rec := range out.Records {
		recs = append(recs, rec.toModel())
	}
	return recs, nil
}

func (r *RESTRemote) PushBatch(ctx context.Context, records []model.RemoteRecord) (adapter.PushResult, error) {
	if err := r.throttle(ctx, "push"); err != nil {
		return adapter.PushResult{}, err
	}
	in := struct {
		Records []restRecord `json:"records"`
	}{Records: make([]restRecord, 0, len(records))}
	for _, rec := range records {
		in.Records = append(in.Records, fromModel(rec))
	}

	var out struct {
		Accepted []restRecord `json:"accepted"`
		Rejected []struct {
			Name   string `json:"name"`
			Reason string `json:"reason"`
		} `json:"rejected"`
	}
	if err := r.do(ctx, http.MethodPost, "/api/v1/prompts/batch", in, &out); err != nil {
		return adapter.PushResult{}, err
	}

	res := adapter.PushResult{}
	for _, rec := range out.Accepted {
		res.Accepted = append(res.Accepted, rec.toModel())
	}
	for _, rej := range out.Rejected {
		res.Rejected = append(res.Rejected, adapter.PushRejection{Name: rej.Name, Reason: rej.Reason})
	}
	return res, nil
}

// wsEvent is the realtime wire frame.
type wsEvent struct {
	Kind   string     `json:"kind"`
	Table  string     `json:"table"`
	Record restRecord `json:"record"`
}

type wsSubscription struct {
	conn   *websocket.Conn
	events chan adapter.ChangeEvent
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error
}

func (s *wsSubscription) Events() <-chan adapter.ChangeEvent { return s.events }

func (s *wsSubscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsSubscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsSubscription) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "subscription closed")
}

// Subscribe opens the realtime websocket and decodes change frames into
// the returned handle. The reader stops on the first decode or socket
// error; reconnecting is the caller's concern.
func (r *RESTRemote) Subscribe(ctx context.Context, table string, filter model.PromptFilter) (adapter.SubscriptionHandle, error) {
	wsURL := strings.Replace(r.baseURL, "http", "ws", 1) + "/api/v1/realtime?table=" + url.QueryEscape(table)

	opts := &websocket.DialOptions{}
	if r.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + r.apiKey}}
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.AuthorizationError{Op: "realtime dial", Err: err}
		}
		return nil, domain.Transient("realtime dial", err)
	}
	conn.SetReadLimit(1 << 20)

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		conn:   conn,
		events: make(chan adapter.ChangeEvent),
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		for {
			var frame wsEvent
			if err := wsjson.Read(readCtx, conn, &frame); err != nil {
				if readCtx.Err() == nil {
					sub.setErr(err)
				}
				return
			}
			ev := adapter.ChangeEvent{
				Kind:   adapter.ChangeKind(frame.Kind),
				Table:  frame.Table,
				Record: frame.Record.toModel(),
			}
			select {
			case sub.events <- ev:
			case <-readCtx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (r *RESTRemote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
