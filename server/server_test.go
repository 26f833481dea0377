package server

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ndlib/strata"
	"github.com/ndlib/strata/backup"
	"github.com/ndlib/strata/job/jobtest"
	"github.com/ndlib/strata/store"
)

type testServer struct {
	*httptest.Server
	engine *strata.Engine
	dlist  string
}

func newServer(t *testing.T, validator TokenDecoder) *testServer {
	t.Helper()
	env := jobtest.NewEnv(t, store.NewMemory())
	dir := jobtest.WriteTree(t, t.TempDir(), map[string][]byte{
		"hello.txt": []byte("hello world"),
		"big.bin":   jobtest.Pattern(3, 12*jobtest.BlockSize),
	})
	e := strata.New(env)
	r, err := e.Backup(context.Background(), []string{dir}, backup.Options{})
	if err != nil {
		t.Fatalf("Backup() == %s, expected nil", err)
	}
	filesets, err := e.Filesets(context.Background())
	if err != nil || len(filesets) != 1 || filesets[0].ID != r.FilesetID {
		t.Fatalf("Filesets() == %v, %v, expected one", filesets, err)
	}
	s := &RESTServer{Engine: e, Validator: validator, Log: env.Log}
	ts := &testServer{
		Server: httptest.NewServer(s.Handler()),
		engine: e,
		dlist:  filesets[0].VolumeName,
	}
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, verb, route, key string, expstatus int) string {
	t.Helper()
	req, err := http.NewRequest(verb, ts.URL+route, nil)
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(route, err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(route, err)
	}
	if resp.StatusCode != expstatus {
		t.Errorf("%s %s: Expected status %d and received %d: %s",
			verb,
			route,
			expstatus,
			resp.StatusCode,
			body)
	}
	return string(body)
}

func decode(t *testing.T, body string, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("Unmarshal(%q) == %s, expected nil", body, err)
	}
}

func TestListing(t *testing.T) {
	ts := newServer(t, nil)

	body := ts.do(t, "GET", "/", "", 200)
	if !strings.HasPrefix(body, "Strata") {
		t.Errorf("Received %q", body)
	}

	var vols []volumeInfo
	decode(t, ts.do(t, "GET", "/volumes", "", 200), &vols)
	keys := jobtest.Keys(t, ts.engine.Env().Store)
	if len(vols) != len(keys) {
		t.Errorf("Received %d volumes, expected %d", len(vols), len(keys))
	}
	decode(t, ts.do(t, "GET", "/volumes?state=Deleted", "", 200), &vols)
	if len(vols) != 0 {
		t.Errorf("Received %v, expected no deleted volumes", vols)
	}

	var filesets []filesetInfo
	decode(t, ts.do(t, "GET", "/filesets", "", 200), &filesets)
	if len(filesets) != 1 || filesets[0].Volume != ts.dlist || !filesets[0].IsFullBackup {
		t.Errorf("Received %v, expected one full fileset", filesets)
	}
}

func TestLocks(t *testing.T) {
	ts := newServer(t, nil)
	route := "/locks/" + ts.dlist

	ts.do(t, "PUT", route, "", 400)
	ts.do(t, "PUT", route+"?expires=tomorrow", "", 400)
	ts.do(t, "PUT", "/locks/not-a-volume?expires=2030-01-01T00:00:00Z", "", 400)
	ts.do(t, "PUT", route+"?expires=2030-01-01T00:00:00Z", "", 200)

	var locks []lockInfo
	decode(t, ts.do(t, "GET", "/locks", "", 200), &locks)
	if len(locks) != 1 || locks[0].Volume != ts.dlist || !locks[0].Active {
		t.Fatalf("Received %v, expected one active lock", locks)
	}

	// a lock in the past is recorded with a warning, and is not active
	var result struct{ Warnings []string }
	decode(t, ts.do(t, "PUT", route+"?expires=2000-01-01T00:00:00Z", "", 200), &result)
	if len(result.Warnings) != 1 {
		t.Errorf("Received warnings %v, expected 1", result.Warnings)
	}
	decode(t, ts.do(t, "GET", "/locks", "", 200), &locks)
	if len(locks) != 1 || locks[0].Active {
		t.Errorf("Received %v, expected one inactive lock", locks)
	}

	ts.do(t, "DELETE", route, "", 204)
	decode(t, ts.do(t, "GET", "/locks", "", 200), &locks)
	if len(locks) != 0 {
		t.Errorf("Received %v, expected no locks", locks)
	}
}

func TestAuthorization(t *testing.T) {
	ld, err := NewListDecoder(strings.NewReader("reader read rrr\nwriter write www\n"))
	if err != nil {
		t.Fatalf("NewListDecoder() == %s, expected nil", err)
	}
	ts := newServer(t, ld)
	route := "/locks/" + ts.dlist + "?expires=2030-01-01T00:00:00Z"

	ts.do(t, "GET", "/", "", 200)
	ts.do(t, "GET", "/volumes", "", 401)
	ts.do(t, "GET", "/volumes", "bad", 401)
	ts.do(t, "GET", "/volumes", "rrr", 200)
	ts.do(t, "PUT", route, "rrr", 401)
	ts.do(t, "PUT", route, "www", 200)
	ts.do(t, "DELETE", "/locks/"+ts.dlist, "rrr", 401)
	ts.do(t, "DELETE", "/locks/"+ts.dlist, "www", 204)
}
