package vectorstore

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/provider"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFile struct {
	status string
	// polls left before an in_progress file completes
	pending int
}

type fakeVectorStore struct {
	name  string
	files map[string]*fakeFile
}

// fakeOpenAI implements the vector store and file endpoints in memory.
type fakeOpenAI struct {
	mu      sync.Mutex
	seq     int
	stores  map[string]*fakeVectorStore
	files   map[string][]byte
	purpose map[string]string

	// processPolls is how many polls a new file stays in_progress; negative never completes.
	processPolls int
	// failFiles makes attachments whose content equals a key fail.
	failFiles map[string]bool
	// failDeletes makes DELETE /files/{id} fail for these ids.
	failDeletes map[string]bool
	requests    []string
	betaMissing int
}

func newFakeOpenAI() *fakeOpenAI {
	return &fakeOpenAI{
		stores:      map[string]*fakeVectorStore{},
		files:       map[string][]byte{},
		purpose:     map[string]string{},
		failFiles:   map[string]bool{},
		failDeletes: map[string]bool{},
	}
}

func (f *fakeOpenAI) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"message": "No such object", "type": "invalid_request_error"}})
}

func (f *fakeOpenAI) handler() http.Handler {
	mux := http.NewServeMux()
	beta := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.requests = append(f.requests, r.Method+" "+r.URL.Path)
			if r.Header.Get("OpenAI-Beta") != "assistants=v2" {
				f.betaMissing++
			}
			f.mu.Unlock()
			next(w, r)
		}
	}

	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error()}})
			return
		}
		content, _ := io.ReadAll(file)
		f.mu.Lock()
		defer f.mu.Unlock()
		id := f.nextID("file")
		f.files[id] = content
		f.purpose[id] = r.FormValue("purpose")
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "file"})
	})
	mux.HandleFunc("DELETE /files/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if f.failDeletes[id] {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "file locked"}})
			return
		}
		if _, ok := f.files[id]; !ok {
			notFound(w)
			return
		}
		delete(f.files, id)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
	})
	mux.HandleFunc("POST /vector_stores", beta(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		id := f.nextID("vs")
		f.stores[id] = &fakeVectorStore{name: body.Name, files: map[string]*fakeFile{}}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "completed"})
	}))
	mux.HandleFunc("GET /vector_stores/{id}", beta(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		vs, ok := f.stores[r.PathValue("id")]
		if !ok {
			notFound(w)
			return
		}
		counts := map[string]int{"in_progress": 0, "completed": 0, "failed": 0, "cancelled": 0}
		for _, file := range vs.files {
			counts[file.status]++
		}
		counts["total"] = len(vs.files)
		writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": "completed", "file_counts": counts})
	}))
	mux.HandleFunc("DELETE /vector_stores/{id}", beta(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.stores[r.PathValue("id")]; !ok {
			notFound(w)
			return
		}
		delete(f.stores, r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	}))
	mux.HandleFunc("POST /vector_stores/{id}/files", beta(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileID string `json:"file_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		vs, ok := f.stores[r.PathValue("id")]
		content, exists := f.files[body.FileID]
		if !ok || !exists {
			notFound(w)
			return
		}
		file := &fakeFile{status: fileInProgress, pending: f.processPolls}
		switch {
		case f.failFiles[string(content)]:
			file.status = fileFailed
		case f.processPolls == 0:
			file.status = fileCompleted
		}
		vs.files[body.FileID] = file
		writeJSON(w, http.StatusOK, map[string]any{"id": body.FileID, "status": file.status})
	}))
	mux.HandleFunc("GET /vector_stores/{id}/files/{file}", beta(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		vs, ok := f.stores[r.PathValue("id")]
		if !ok {
			notFound(w)
			return
		}
		file, ok := vs.files[r.PathValue("file")]
		if !ok {
			notFound(w)
			return
		}
		if file.status == fileInProgress && file.pending > 0 {
			file.pending--
			if file.pending == 0 {
				file.status = fileCompleted
			}
		}
		out := map[string]any{"id": r.PathValue("file"), "status": file.status}
		if file.status == fileFailed {
			out["last_error"] = map[string]any{"code": "unsupported_file", "message": "file could not be parsed"}
		}
		writeJSON(w, http.StatusOK, out)
	}))
	mux.HandleFunc("DELETE /vector_stores/{id}/files/{file}", beta(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		vs, ok := f.stores[r.PathValue("id")]
		if !ok {
			notFound(w)
			return
		}
		if _, ok := vs.files[r.PathValue("file")]; !ok {
			notFound(w)
			return
		}
		delete(vs.files, r.PathValue("file"))
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	}))
	mux.HandleFunc("GET /vector_stores/{id}/files", beta(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		vs, ok := f.stores[r.PathValue("id")]
		if !ok {
			notFound(w)
			return
		}
		ids := make([]string, 0, len(vs.files))
		for id := range vs.files {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if after := r.URL.Query().Get("after"); after != "" {
			i := sort.SearchStrings(ids, after)
			if i < len(ids) && ids[i] == after {
				i++
			}
			ids = ids[i:]
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		hasMore := false
		if limit > 0 && len(ids) > limit {
			ids, hasMore = ids[:limit], true
		}
		data := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]any{"id": id, "status": vs.files[id].status})
		}
		out := map[string]any{"object": "list", "data": data, "has_more": hasMore}
		if len(ids) > 0 {
			out["last_id"] = ids[len(ids)-1]
		}
		writeJSON(w, http.StatusOK, out)
	}))
	return mux
}

func (f *fakeOpenAI) addStore(name string, fileIDs ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("vs")
	vs := &fakeVectorStore{name: name, files: map[string]*fakeFile{}}
	for _, fid := range fileIDs {
		f.files[fid] = []byte(fid)
		vs.files[fid] = &fakeFile{status: fileCompleted}
	}
	f.stores[id] = vs
	return id
}

func (f *fakeOpenAI) storeFiles(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.stores[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vs.files))
	for fid := range vs.files {
		out = append(out, fid)
	}
	sort.Strings(out)
	return out
}

func (f *fakeOpenAI) storeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stores)
}

func (f *fakeOpenAI) hasFile(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[id]
	return ok
}

type testEnv struct {
	fake   *fakeOpenAI
	clock  *clock.Fake
	store  *store.MemoryStore
	engine *Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	fake := newFakeOpenAI()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	fc := clock.NewFake(epoch)
	client := provider.New(provider.Config{BaseURL: srv.URL, APIKey: "sk-test", MaxRetries: -1},
		provider.WithClock(fc), provider.WithJitter(func() float64 { return 0 }))
	st := store.NewMemoryStore(fc)
	base := []Option{WithClock(fc)}
	return &testEnv{fake: fake, clock: fc, store: st, engine: NewEngine(client, st, st, append(base, opts...)...)}
}

func (f *fakeOpenAI) filePurpose(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purpose[id]
}

func (f *fakeOpenAI) seen() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...), f.betaMissing
}
