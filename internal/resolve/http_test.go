package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/viewerboot/internal/viewer"
)

// modelServer serves /api/projects/{p}/models/{m}/versions/{v}.
type modelServer struct {
	mu       sync.Mutex
	paths    []string
	auth     []string
	versions map[string]string // "model@version" -> referenced object
	token    string
}

func (m *modelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.paths = append(m.paths, r.URL.Path)
	m.auth = append(m.auth, r.Header.Get("Authorization"))
	m.mu.Unlock()

	if m.token != "" && r.Header.Get("Authorization") != "Bearer "+m.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 7 || parts[0] != "api" {
		http.NotFound(w, r)
		return
	}
	obj, ok := m.versions[parts[4]+"@"+parts[6]]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"id": parts[6], "referencedObject": obj})
}

func newModelServer(t *testing.T, ms *modelServer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(ms)
	t.Cleanup(srv.Close)
	return srv
}

func urls(refs []viewer.ResourceRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.URL
	}
	return out
}

func TestHTTPResolver_StreamObjectPassthrough(t *testing.T) {
	r := NewHTTPResolver(nil, nil)
	in := "https://app.example.com/streams/abc/objects/0123456789"
	refs, err := r.Resolve(context.Background(), in, "tok")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(refs) != 1 || refs[0].URL != in || refs[0].Token != "tok" {
		t.Fatalf("refs = %+v", refs)
	}
}

func TestHTTPResolver_DirectFilePassthrough(t *testing.T) {
	r := NewHTTPResolver(nil, nil)
	in := "https://cdn.example.com/models/house.ifc"
	refs, err := r.Resolve(context.Background(), in, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(refs) != 1 || refs[0].URL != in {
		t.Fatalf("refs = %+v", refs)
	}
}

func TestHTTPResolver_ModelList(t *testing.T) {
	ms := &modelServer{
		token: "secret",
		versions: map[string]string{
			"m1@latest": "obj-one",
			"m2@v7":     "obj-two",
		},
	}
	srv := newModelServer(t, ms)
	r := NewHTTPResolver(nil, nil)

	refs, err := r.Resolve(context.Background(), srv.URL+"/projects/p1/models/m1,m2@v7", "secret")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{srv.URL + "/streams/p1/objects/obj-one", srv.URL + "/streams/p1/objects/obj-two"}
	if got := urls(refs); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("refs = %v, want %v", got, want)
	}
	for _, ref := range refs {
		if ref.Token != "secret" {
			t.Fatalf("ref token = %q", ref.Token)
		}
	}
	if ms.paths[0] != "/api/projects/p1/models/m1/versions/latest" || ms.paths[1] != "/api/projects/p1/models/m2/versions/v7" {
		t.Fatalf("paths = %v", ms.paths)
	}
}

func TestHTTPResolver_Unauthorized(t *testing.T) {
	srv := newModelServer(t, &modelServer{token: "secret", versions: map[string]string{"m1@latest": "o"}})
	_, err := NewHTTPResolver(nil, nil).Resolve(context.Background(), srv.URL+"/projects/p1/models/m1", "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestHTTPResolver_MissingModelFailsWholeRequest(t *testing.T) {
	ms := &modelServer{versions: map[string]string{"m1@latest": "o"}}
	srv := newModelServer(t, ms)
	refs, err := NewHTTPResolver(nil, nil).Resolve(context.Background(), srv.URL+"/projects/p1/models/m1,ghost", "")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	if refs != nil {
		t.Fatalf("refs = %v, want none", refs)
	}
}

func TestHTTPResolver_NoAuthHeaderWithoutToken(t *testing.T) {
	ms := &modelServer{versions: map[string]string{"m1@latest": "o"}}
	srv := newModelServer(t, ms)
	if _, err := NewHTTPResolver(nil, nil).Resolve(context.Background(), srv.URL+"/projects/p/models/m1", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ms.auth[0] != "" {
		t.Fatalf("Authorization = %q, want none", ms.auth[0])
	}
}

func TestHTTPResolver_EmptyReferencedObject(t *testing.T) {
	srv := newModelServer(t, &modelServer{versions: map[string]string{"m1@latest": ""}})
	if _, err := NewHTTPResolver(nil, nil).Resolve(context.Background(), srv.URL+"/projects/p/models/m1", ""); err == nil {
		t.Fatal("expected error for version without referenced object")
	}
}

func TestHTTPResolver_BadInput(t *testing.T) {
	r := NewHTTPResolver(nil, nil)
	for _, in := range []string{"ftp://x/y", "https:///nohost", "https://h/projects/p/models/,,", "https://h/projects/p/models/@v1"} {
		if _, err := r.Resolve(context.Background(), in, ""); err == nil {
			t.Errorf("Resolve(%q): expected error", in)
		}
	}
}

func TestHTTPResolver_EscapedModelID(t *testing.T) {
	ms := &modelServer{versions: map[string]string{"50%off@latest": "obj"}}
	srv := newModelServer(t, ms)

	refs, err := NewHTTPResolver(nil, nil).Resolve(context.Background(), srv.URL+"/projects/p%201/models/50%25off", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ms.paths[0] != "/api/projects/p 1/models/50%off/versions/latest" {
		t.Fatalf("path = %q", ms.paths[0])
	}
	if want := srv.URL + "/streams/p%201/objects/obj"; len(refs) != 1 || refs[0].URL != want {
		t.Fatalf("refs = %v, want %s", urls(refs), want)
	}
}

func TestParseModelList_EscapedComma(t *testing.T) {
	specs, err := parseModelList("a%2Cb,c")
	if err != nil {
		t.Fatalf("parseModelList: %v", err)
	}
	if len(specs) != 2 || specs[0].model != "a,b" || specs[1].model != "c" {
		t.Fatalf("specs = %+v", specs)
	}
}

func TestParseModelList(t *testing.T) {
	specs, err := parseModelList("a, b@v2 ,c%40v3")
	if err != nil {
		t.Fatalf("parseModelList: %v", err)
	}
	want := []modelSpec{{"a", ""}, {"b", "v2"}, {"c", "v3"}}
	if len(specs) != len(want) {
		t.Fatalf("specs = %+v", specs)
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Fatalf("spec[%d] = %+v, want %+v", i, specs[i], want[i])
		}
	}
}
