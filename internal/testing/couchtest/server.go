// Package couchtest provides an in-process fake CouchDB for tests. It keeps
// databases in memory, honors revisions and If-None-Match, and records every
// request it receives.
package couchtest

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

func init() {
	chi.RegisterMethod("COPY")
}

// Recorded is a request as the server saw it.
type Recorded struct {
	Method string
	// URI is the raw request target including the query string.
	URI    string
	Header http.Header
	Body   []byte
}

// Server is a fake CouchDB listening on a loopback port.
type Server struct {
	*httptest.Server

	// RequireAuth rejects requests that carry no valid credentials.
	RequireAuth bool

	logger *zap.Logger

	mu       sync.Mutex
	dbs      map[string]map[string]map[string]any
	users    map[string]string
	sessions map[string]string
	requests []Recorded
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t testing.TB, logger *zap.Logger) *Server {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger.Named("couchtest"),
		dbs:      make(map[string]map[string]map[string]any),
		users:    make(map[string]string),
		sessions: make(map[string]string),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Server.Close)
	return s
}

// HostPort returns the host and port the server listens on.
func (s *Server) HostPort() (string, string) {
	u, _ := url.Parse(s.URL)
	return u.Hostname(), u.Port()
}

// AddUser registers credentials accepted by basic and cookie auth.
func (s *Server) AddUser(name, password string) {
	s.mu.Lock()
	s.users[name] = password
	s.mu.Unlock()
}

// CreateDatabase creates an empty database directly.
func (s *Server) CreateDatabase(name string) {
	s.mu.Lock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = make(map[string]map[string]any)
	}
	s.mu.Unlock()
}

// Document returns a copy of a stored document, or nil.
func (s *Server) Document(db, id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.dbs[db][id]
	if doc == nil {
		return nil
	}
	return copyDoc(doc)
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// LastRequest returns the most recent request.
func (s *Server) LastRequest() Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Recorded{}
	}
	return s.requests[len(s.requests)-1]
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.authenticate)

	r.Get("/_all_dbs", s.handleAllDbs)
	r.Get("/_uuids", s.handleUUIDs)
	r.Get("/_stats", s.handleStats)
	r.Get("/_session", s.handleGetSession)
	r.Post("/_session", s.handlePostSession)
	r.Post("/_replicate", s.handleReplicate)

	r.Head("/{db}", s.handleHeadDB)
	r.Get("/{db}", s.handleGetDB)
	r.Put("/{db}", s.handlePutDB)
	r.Delete("/{db}", s.handleDeleteDB)
	r.Post("/{db}", s.handlePostDoc)

	r.Post("/{db}/_bulk_docs", s.handleBulkDocs)
	r.Get("/{db}/_all_docs", s.handleAllDocs)
	r.Post("/{db}/_all_docs", s.handleAllDocs)
	r.Post("/{db}/_compact", s.handleCompact)
	r.Post("/{db}/_compact/{ddoc}", s.handleCompact)

	r.Get("/{db}/{doc}", s.handleGetDoc)
	r.Head("/{db}/{doc}", s.handleGetDoc)
	r.Put("/{db}/{doc}", s.handlePutDoc)
	r.Delete("/{db}/{doc}", s.handleDeleteDoc)
	r.Method("COPY", "/{db}/{doc}", http.HandlerFunc(s.handleCopyDoc))
	r.Put("/{db}/{doc}/{att}", s.handlePutAttachment)
	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.requests = append(s.requests, Recorded{
			Method: r.Method,
			URI:    r.RequestURI,
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()

		s.logger.Debug("Request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RequireAuth || r.URL.Path == "/_session" {
			next.ServeHTTP(w, r)
			return
		}
		if s.userFor(r) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "You are not authorized to access this db.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userFor resolves the user a request authenticates as, or "".
func (s *Server) userFor(r *http.Request) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, err := r.Cookie("AuthSession"); err == nil {
		if user, ok := s.sessions[c.Value]; ok {
			return user
		}
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Basic "); ok {
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return ""
		}
		user, pass, _ := strings.Cut(string(raw), ":")
		if want, ok := s.users[user]; ok && want == pass {
			return user
		}
	}
	if strings.HasPrefix(auth, "Bearer ") {
		// Token verification belongs to the server under test, not the fake.
		return "jwt"
	}
	return ""
}

func (s *Server) handleAllDbs(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleUUIDs(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil {
		n = 1
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"uuids": ids})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	open := len(s.dbs)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"couchdb": map[string]any{"open_databases": map[string]any{"current": open}}})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := s.userFor(r)
	var userName any
	if name != "" {
		userName = name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"userCtx": map[string]any{"name": userName, "roles": []string{}},
	})
}

func (s *Server) handlePostSession(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	name, pass := r.PostForm.Get("name"), r.PostForm.Get("password")

	s.mu.Lock()
	want, ok := s.users[name]
	var token string
	if ok && want == pass {
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
		s.sessions[token] = name
	}
	s.mu.Unlock()

	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Name or password is incorrect.")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "AuthSession", Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": name, "roles": []string{}})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["source"] == nil || req["target"] == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "source and target are required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": uuid.NewString()})
}

func (s *Server) handleHeadDB(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.dbs[chi.URLParam(r, "db")]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetDB(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "db")
	s.mu.Lock()
	db, ok := s.dbs[name]
	count := len(db)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"db_name": name, "doc_count": count})
}

func (s *Server) handlePutDB(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "db")
	s.mu.Lock()
	_, exists := s.dbs[name]
	if !exists {
		s.dbs[name] = make(map[string]map[string]any)
	}
	s.mu.Unlock()
	if exists {
		writeError(w, http.StatusPreconditionFailed, "file_exists", "The database could not be created, the file already exists.")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) handleDeleteDB(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "db")
	s.mu.Lock()
	_, exists := s.dbs[name]
	delete(s.dbs, name)
	s.mu.Unlock()
	if !exists {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePostDoc(w http.ResponseWriter, r *http.Request) {
	doc, ok := readDoc(w, r)
	if !ok {
		return
	}
	id, _ := doc["_id"].(string)
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	s.writeDoc(w, chi.URLParam(r, "db"), id, doc)
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AllOrNothing bool             `json:"all_or_nothing"`
		Docs         []map[string]any `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	dbName := chi.URLParam(r, "db")

	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[dbName]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	results := make([]map[string]any, 0, len(req.Docs))
	for _, doc := range req.Docs {
		id, _ := doc["_id"].(string)
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		rev, err := store(db, id, doc)
		if err != nil {
			results = append(results, map[string]any{"id": id, "error": "conflict", "reason": err.Error()})
			continue
		}
		results = append(results, map[string]any{"ok": true, "id": id, "rev": rev})
	}
	writeJSON(w, http.StatusCreated, results)
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	dbName := chi.URLParam(r, "db")
	q := r.URL.Query()

	var keys []string
	if r.Method == http.MethodPost {
		var body struct {
			Keys []string `json:"keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		keys = body.Keys
	}

	s.mu.Lock()
	db, ok := s.dbs[dbName]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	if keys == nil {
		for id := range db {
			keys = append(keys, id)
		}
		sort.Strings(keys)
		if q.Get("descending") == "true" {
			sort.Sort(sort.Reverse(sort.StringSlice(keys)))
		}
	}
	rows := make([]map[string]any, 0, len(keys))
	for _, id := range keys {
		doc, ok := db[id]
		if !ok {
			rows = append(rows, map[string]any{"key": id, "error": "not_found"})
			continue
		}
		if start := q.Get("startkey"); start != "" && id < start {
			continue
		}
		if end := q.Get("endkey"); end != "" && id > end {
			continue
		}
		row := map[string]any{"id": id, "key": id, "value": map[string]any{"rev": doc["_rev"]}}
		if q.Get("include_docs") == "true" {
			row["doc"] = copyDoc(doc)
		}
		rows = append(rows, row)
	}
	total := len(db)
	s.mu.Unlock()

	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit < len(rows) {
		rows = rows[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_rows": total, "offset": 0, "rows": rows})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.dbs[chi.URLParam(r, "db")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	dbName, id := chi.URLParam(r, "db"), chi.URLParam(r, "doc")

	s.mu.Lock()
	db, dbOK := s.dbs[dbName]
	doc, docOK := db[id]
	if docOK {
		doc = copyDoc(doc)
	}
	s.mu.Unlock()

	if !dbOK || !docOK {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}

	etag := strconv.Quote(doc["_rev"].(string))
	w.Header().Set("Etag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	doc, ok := readDoc(w, r)
	if !ok {
		return
	}
	s.writeDoc(w, chi.URLParam(r, "db"), chi.URLParam(r, "doc"), doc)
}

func (s *Server) writeDoc(w http.ResponseWriter, dbName, id string, doc map[string]any) {
	s.mu.Lock()
	db, ok := s.dbs[dbName]
	var rev string
	var err error
	if ok {
		rev, err = store(db, id, doc)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
	case err != nil:
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		w.Header().Set("Etag", strconv.Quote(rev))
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": rev})
	}
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	dbName, id := chi.URLParam(r, "db"), chi.URLParam(r, "doc")
	rev := r.URL.Query().Get("rev")

	s.mu.Lock()
	db := s.dbs[dbName]
	doc, ok := db[id]
	matches := ok && doc["_rev"] == rev
	if matches {
		delete(db, id)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "not_found", "missing")
	case !matches:
		writeError(w, http.StatusConflict, "conflict", "Document update conflict.")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "rev": nextRev(rev, nil)})
	}
}

func (s *Server) handleCopyDoc(w http.ResponseWriter, r *http.Request) {
	dbName, id := chi.URLParam(r, "db"), chi.URLParam(r, "doc")
	dest := r.Header.Get("Destination")
	if dest == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Destination header is mandatory for COPY.")
		return
	}
	dstID, rawQuery, _ := strings.Cut(dest, "?")
	dstRev := ""
	if q, err := url.ParseQuery(rawQuery); err == nil {
		dstRev = q.Get("rev")
	}

	s.mu.Lock()
	db := s.dbs[dbName]
	src, ok := db[id]
	var rev string
	var err error
	if ok {
		cp := copyDoc(src)
		delete(cp, "_rev")
		if dstRev != "" {
			cp["_rev"] = dstRev
		}
		rev, err = store(db, dstID, cp)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "not_found", "missing")
	case err != nil:
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": dstID, "rev": rev})
	}
}

func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	dbName, id, att := chi.URLParam(r, "db"), chi.URLParam(r, "doc"), chi.URLParam(r, "att")
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	db, ok := s.dbs[dbName]
	var rev string
	var err error
	if ok {
		doc := copyDoc(db[id])
		if doc == nil {
			doc = map[string]any{}
		}
		if rev := r.URL.Query().Get("rev"); rev != "" {
			doc["_rev"] = rev
		}
		atts, _ := doc["_attachments"].(map[string]any)
		if atts == nil {
			atts = map[string]any{}
		}
		atts[att] = map[string]any{
			"content_type": r.Header.Get("Content-Type"),
			"length":       len(data),
			"data":         base64.StdEncoding.EncodeToString(data),
		}
		doc["_attachments"] = atts
		rev, err = store(db, id, doc)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
	case err != nil:
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": rev})
	}
}

// store writes doc under id, enforcing the revision check. The caller holds
// the lock.
func store(db map[string]map[string]any, id string, doc map[string]any) (string, error) {
	current, exists := db[id]
	sent, _ := doc["_rev"].(string)
	if exists && sent != current["_rev"] {
		return "", fmt.Errorf("document update conflict")
	}
	if !exists && sent != "" {
		return "", fmt.Errorf("document update conflict")
	}

	stored := copyDoc(doc)
	stored["_id"] = id
	rev := nextRev(sent, stored)
	stored["_rev"] = rev
	db[id] = stored
	return rev, nil
}

func nextRev(prev string, doc map[string]any) string {
	n := 0
	if head, _, ok := strings.Cut(prev, "-"); ok {
		n, _ = strconv.Atoi(head)
	}
	b, _ := json.Marshal(doc)
	sum := md5.Sum(append(b, prev...))
	return fmt.Sprintf("%d-%s", n+1, hex.EncodeToString(sum[:]))
}

func readDoc(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || doc == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Document must be a JSON object")
		return nil, false
	}
	return doc, true
}

func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	b, _ := json.Marshal(doc)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, name, reason string) {
	writeJSON(w, status, map[string]string{"error": name, "reason": reason})
}
