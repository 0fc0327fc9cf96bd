package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"historian/internal/collection"
	"historian/internal/diffview"
	"historian/internal/predicate"
	"historian/internal/record"
	"historian/internal/reduce"
	"historian/internal/selector"
)

// response is the outcome of a query pipeline: exactly one is produced
// per request, whether success or failure.
type response struct {
	status      int
	contentType string
	body        []byte
}

// queryState threads the pipeline: each step either fills in more state
// and returns nil to continue, or returns the final response.
type queryState struct {
	ctx context.Context
	req *queryRequest
	now time.Time

	coll    *collection.Collection
	sel     *selector.Expression
	built   predicate.Built
	records []record.Record
}

// handleQuery runs one query through the response pipeline. The first
// step to produce a response ends the run; the render step always does.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, rest string) {
	now := s.now()
	q, resp := parseQuery(rest, now)
	if resp != nil {
		write(w, "", resp)
		return
	}

	st := &queryState{ctx: r.Context(), req: q, now: now}
	for _, step := range []func(*queryState) *response{
		s.resolveCollection,
		s.parseSelector,
		s.lookupRecords,
		s.resolveMisses,
		s.reduceRecords,
		s.renderRecords,
	} {
		if resp = step(st); resp != nil {
			break
		}
	}
	write(w, q.callback, resp)
}

func (s *Server) resolveCollection(st *queryState) *response {
	st.coll = s.registry.Get(st.req.collection)
	if st.coll == nil {
		return notFound("unknown collection %q", st.req.collection)
	}
	return nil
}

func (s *Server) parseSelector(st *queryState) *response {
	if st.req.selector == "" {
		return nil
	}
	sel, err := selector.Parse(st.req.selector)
	if err != nil {
		return badRequest("%v", err)
	}
	st.sel = sel
	return nil
}

func (s *Server) lookupRecords(st *queryState) *response {
	st.built = predicate.Build(st.now, st.req.params)

	var keys []string
	if st.sel != nil && !st.req.diff {
		keys = st.sel.FieldNames()
	}

	records, err := st.coll.Query(st.ctx, collection.Request{
		Predicate:      st.built.Predicate,
		Live:           st.req.params.Live,
		TimeTravelling: st.built.TimeTravelling,
		Keys:           keys,
	})
	if err != nil {
		var te *collection.TimeoutError
		if errors.As(err, &te) {
			return internal("%v", te)
		}
		return internal("query collection %q: %v", st.req.collection, err)
	}
	st.records = records
	return nil
}

// resolveMisses distinguishes "never existed" from "existed but is gone"
// when a single identity comes back empty from a current-state lookup.
// The full history is consulted; a vanished resource answers GONE, an
// unknown one NOT_FOUND. The two lookups are not atomic, so a resource
// deleted between them may answer NOT_FOUND instead of GONE.
func (s *Server) resolveMisses(st *queryState) *response {
	if len(st.records) > 0 {
		return nil
	}
	if len(st.req.params.IDs) != 1 || st.built.TimeTravelling {
		return nil
	}

	id := st.req.params.IDs[0]
	history, err := st.coll.Query(st.ctx, collection.Request{
		Predicate:      predicate.Equals{Field: "id", Value: id},
		TimeTravelling: true,
		Limit:          1,
	})
	if err != nil {
		return internal("query collection %q: %v", st.req.collection, err)
	}
	if len(history) > 0 {
		return gone("id %q in collection %q existed but is gone", id, st.req.collection)
	}
	return notFound("id %q not found in collection %q", id, st.req.collection)
}

func (s *Server) reduceRecords(st *queryState) *response {
	if st.req.diff {
		// The diff renderer consumes the raw version history.
		return nil
	}
	records := st.records
	if !st.req.params.All {
		records = reduce.Dedup(records)
	}
	if st.sel != nil {
		records = reduce.Project(records, st.sel)
	}
	st.records = reduce.Limit(records, st.req.limit)
	return nil
}

func (s *Server) renderRecords(st *queryState) *response {
	if st.req.diff {
		return s.renderDiff(st)
	}

	// A single-identity, current-state query answers with the document
	// itself rather than a list.
	if len(st.req.params.IDs) == 1 && !st.req.params.All {
		if len(st.records) == 0 {
			return jsonResponse([]any{}, st.req.pretty)
		}
		return jsonResponse(newRecordView(st.records[0], st.req.pretty), st.req.pretty)
	}

	if st.req.expand {
		views := make([]recordView, len(st.records))
		for i, r := range st.records {
			views[i] = newRecordView(r, st.req.pretty)
		}
		return jsonResponse(views, st.req.pretty)
	}

	ids := make([]string, len(st.records))
	for i, r := range st.records {
		ids[i] = r.ID
	}
	return jsonResponse(ids, st.req.pretty)
}

func (s *Server) renderDiff(st *queryState) *response {
	// Lookups answer newest first; diffs read oldest to newest.
	ordered := slices.Clone(st.records)
	slices.Reverse(ordered)

	prefix := apiPrefix + "/" + st.req.collection + "/" + st.req.params.IDs[0]
	text, err := reduce.Diff(ordered, diffview.Renderer{}, st.req.diffOffset, prefix)
	if errors.Is(err, reduce.ErrInsufficientVersions) {
		return badRequest("%v", err)
	}
	if err != nil {
		return internal("render diff: %v", err)
	}
	return &response{
		status:      http.StatusOK,
		contentType: "text/plain; charset=utf-8",
		body:        []byte(text),
	}
}

// recordView is the expanded wire form of one record version.
type recordView struct {
	ID    string          `json:"id"`
	STime any             `json:"stime"`
	LTime any             `json:"ltime"`
	MTime any             `json:"mtime"`
	CTime any             `json:"ctime"`
	Data  record.Document `json:"data"`
}

func newRecordView(r record.Record, pretty bool) recordView {
	v := recordView{
		ID:    r.ID,
		STime: stamp(r.STime, pretty),
		MTime: stamp(r.MTime, pretty),
		CTime: stamp(r.CTime, pretty),
		Data:  r.Data,
	}
	if !r.Current() {
		v.LTime = stamp(r.LTime, pretty)
	}
	return v
}

// stamp renders an instant as epoch milliseconds, or RFC 3339 when
// pretty-printing.
func stamp(t time.Time, pretty bool) any {
	if pretty {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UnixMilli()
}

func jsonResponse(v any, pretty bool) *response {
	var body []byte
	var err error
	if pretty {
		body, err = json.MarshalIndent(v, "", "  ")
	} else {
		body, err = json.Marshal(v)
	}
	if err != nil {
		return internal("encode response: %v", err)
	}
	if pretty {
		body = append(body, '\n')
	}
	return &response{
		status:      http.StatusOK,
		contentType: "application/json",
		body:        body,
	}
}

// write emits the response, wrapping JSON bodies in a JSONP callback
// when one was requested.
func write(w http.ResponseWriter, callback string, resp *response) {
	body := resp.body
	contentType := resp.contentType
	if callback != "" && strings.HasPrefix(contentType, "application/json") {
		wrapped := make([]byte, 0, len(callback)+len(body)+3)
		wrapped = append(wrapped, callback...)
		wrapped = append(wrapped, '(')
		wrapped = append(wrapped, body...)
		wrapped = append(wrapped, ')', ';')
		body = wrapped
		contentType = "application/javascript"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.status)
	w.Write(body)
}
