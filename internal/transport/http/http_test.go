package httptransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgecoord/bco/internal/model"
	"github.com/forgecoord/bco/internal/queue"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/vcsrepo"
)

func newTestHandler(t *testing.T) (*Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	q := &queue.Queue{Store: mem, Repo: &vcsrepo.Static{}}
	h := NewHandler(mem, q)
	h.Now = func() int64 { return 1000 }
	return h, mem
}

func seedBuild(t *testing.T, mem *store.Memory) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := mem.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Commit()
	if err := tx.PutConfig(ctx, model.BuildConfig{Name: "C", Path: "/trunk", Active: true,
		Recipe: `<build><step id="s1"/></build>`}); err != nil {
		t.Fatal(err)
	}
	platID, err := tx.PutPlatform(ctx, model.TargetPlatform{Config: "C", Name: "P1"})
	if err != nil {
		t.Fatal(err)
	}
	b := model.Build{Config: "C", Rev: "103", RevTime: 900, Platform: platID, Status: model.StatusPending}
	if err := tx.InsertBuild(ctx, &b); err != nil {
		t.Fatal(err)
	}
	return b.ID
}

func TestPostBuildsAllocatesAndReturns201(t *testing.T) {
	h, mem := newTestHandler(t)
	seedBuild(t, mem)

	req := httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader(`<slave name="slave1"/>`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("POST /builds = %d, want 201; body=%s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc == "" {
		t.Fatal("Location header missing on 201 response")
	}
	if w.Body.String() != "Build pending" {
		t.Fatalf("body = %q, want %q", w.Body.String(), "Build pending")
	}
}

func TestPostBuildsNoPendingReturns204(t *testing.T) {
	h, mem := newTestHandler(t)
	ctx := context.Background()
	tx, err := mem.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tx.PutConfig(ctx, model.BuildConfig{Name: "C", Path: "/trunk", Active: true})
	tx.PutPlatform(ctx, model.TargetPlatform{Config: "C", Name: "P1"})
	tx.Commit()

	req := httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader(`<slave name="slave1"/>`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("POST /builds with a matching platform but no pending build = %d, want 204", w.Code)
	}
}

func TestPostBuildsNonPostIsMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /builds = %d, want 405", w.Code)
	}
}

func TestFullRequestCycle(t *testing.T) {
	h, mem := newTestHandler(t)
	seedBuild(t, mem)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader(`<slave name="slave1"/>`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /builds = %d, want 201", w.Code)
	}
	loc := w.Header().Get("Location")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, loc, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s = %d, want 200; body=%s", loc, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != contentType {
		t.Fatalf("Content-Type = %q, want %q", ct, contentType)
	}
	if !strings.Contains(w.Body.String(), `revision="103"`) {
		t.Fatalf("recipe body = %s, want revision=103 injected", w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, loc+"/steps/s1", strings.NewReader(
		`<step id="s1" time="1970-01-01T00:16:40" duration="1" result="success"/>`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT step = %d, want 201; body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, loc+"/steps/completed", strings.NewReader(
		`<completed time="1970-01-01T00:16:50" result="success"/>`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT completed = %d, want 201; body=%s", w.Code, w.Body.String())
	}
}

func TestArtifactUploadIsNotImplemented(t *testing.T) {
	h, mem := newTestHandler(t)
	id := seedBuild(t, mem)

	req := httptest.NewRequest(http.MethodPost, "/builds/"+itoa(id)+"/files/out.log", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("POST .../files/... = %d, want 501", w.Code)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
