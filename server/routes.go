// Package server provides a small REST API over a strata Engine. It shows
// the volume registry, the filesets, and the volume locks, and lets another
// process take or drop a lock on a volume it depends on.
package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"sync"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/strata"
	"github.com/ndlib/strata/volume"
)

// RESTServer holds the configuration for a strata REST API server.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run.
type RESTServer struct {
	// Address to listen on. Defaults to ":14100".
	Addr      string
	PProfPort string

	// Engine answers the requests. Run will panic if it is nil.
	Engine *strata.Engine

	// Validator does authentication by decoding the user tokens presented
	// to the API. If this is nil every request is allowed.
	Validator TokenDecoder

	Log log.FieldLogger

	// the engine's database is used by one request at a time
	m      sync.Mutex
	server httpdown.Server // used to close our listening socket
}

// Run starts the server. It then blocks listening for and handling http
// requests.
func (s *RESTServer) Run() error {
	if s.Engine == nil {
		panic("No engine given. Engine is nil.")
	}
	s.defaults()
	s.Log.Infoln("Starting strata server version", strata.Version)

	if s.PProfPort != "" {
		s.Log.Infoln("Starting PProf on port", s.PProfPort)
		go func() {
			s.Log.Errorln(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	s.Log.Infoln("Listening on", s.Addr)

	h := httpdown.HTTP{
		StopTimeout: 10 * time.Second,
		KillTimeout: 5 * time.Second,
	}
	if st := s.Engine.Env().Stats; st != nil {
		h.Stats = st
	}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    s.Addr,
		Handler: s.Handler(),
	})
	if err != nil {
		s.Log.Errorln(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listening socket and returns once the open requests have
// finished.
func (s *RESTServer) Stop() error {
	return s.server.Stop()
}

func (s *RESTServer) defaults() {
	if s.Addr == "" {
		s.Addr = ":14100"
	}
	if s.Log == nil {
		s.Log = log.StandardLogger()
	}
	if s.Validator == nil {
		s.Log.Infoln("No Validator given")
		s.Validator = NewNobodyDecoder()
	}
}

// Handler returns the routes of the API.
func (s *RESTServer) Handler() http.Handler {
	s.defaults()
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		{"GET", "/volumes", RoleRead, s.VolumesHandler},
		{"GET", "/filesets", RoleRead, s.FilesetsHandler},
		{"GET", "/locks", RoleRead, s.LocksHandler},
		{"PUT", "/locks/:name", RoleWrite, s.LockHandler},
		{"DELETE", "/locks/:name", RoleWrite, s.UnlockHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			s.logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// WelcomeHandler returns the server version.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Strata (%s)\n", strata.Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

type volumeInfo struct {
	Name          string
	Type          string
	State         string
	Size          int64
	Hash          string
	Verifications int64
}

// VolumesHandler lists the volume registry. The optional query parameter
// "state" limits the list to volumes in that state.
func (s *RESTServer) VolumesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.m.Lock()
	vols, err := s.Engine.Volumes(r.Context())
	s.m.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state := r.FormValue("state")
	result := []volumeInfo{}
	for _, v := range vols {
		if state != "" && v.State.String() != state {
			continue
		}
		result = append(result, volumeInfo{
			Name:          v.Name,
			Type:          v.Type.String(),
			State:         v.State.String(),
			Size:          v.Size,
			Hash:          v.Hash,
			Verifications: v.VerificationCount,
		})
	}
	writeJSON(w, result)
}

type filesetInfo struct {
	ID           int64
	Timestamp    time.Time
	IsFullBackup bool
	Volume       string
}

// FilesetsHandler lists the filesets, newest first.
func (s *RESTServer) FilesetsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.m.Lock()
	filesets, err := s.Engine.Filesets(r.Context())
	s.m.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result := []filesetInfo{}
	for _, fs := range filesets {
		result = append(result, filesetInfo{
			ID:           fs.ID,
			Timestamp:    fs.Timestamp,
			IsFullBackup: fs.IsFullBackup,
			Volume:       fs.VolumeName,
		})
	}
	writeJSON(w, result)
}

type lockInfo struct {
	Volume  string
	Expires time.Time
	Active  bool
}

// LocksHandler lists every lock. Expired locks are included with Active
// set to false.
func (s *RESTServer) LocksHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.m.Lock()
	locks, err := s.Engine.ListLocks(r.Context())
	now := s.Engine.Env().Now()
	s.m.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result := []lockInfo{}
	for _, l := range locks {
		result = append(result, lockInfo{
			Volume:  l.VolumeName,
			Expires: l.Expiration,
			Active:  l.Expiration.After(now),
		})
	}
	writeJSON(w, result)
}

// LockHandler locks the volume :name until the time given in the query
// parameter "expires", in RFC 3339 format.
func (s *RESTServer) LockHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	expires, err := time.Parse(time.RFC3339, r.FormValue("expires"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "expires"))
		return
	}
	s.m.Lock()
	report, err := s.Engine.Lock(r.Context(), name, expires)
	s.m.Unlock()
	switch {
	case errors.Is(err, volume.ErrBadName):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.WithField("username", ps.ByName("username")).Infoln("lock", name, "until", expires)
	writeJSON(w, struct {
		Volume   string
		Expires  time.Time
		Warnings []string
	}{name, expires.UTC(), report.Warnings})
}

// UnlockHandler removes the lock on the volume :name.
func (s *RESTServer) UnlockHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	s.m.Lock()
	err := s.Engine.Unlock(r.Context(), name)
	s.m.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.WithField("username", ps.ByName("username")).Infoln("unlock", name)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	fmt.Fprintln(w, err.Error())
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenDecode(token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		// is role valid?
		if role < leastRole {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, "Forbidden")
			return
		}

		// remove any previous username
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = user
				goto out
			}
		}
		// add a new username if none found
		ps = append(ps, httprouter.Param{Key: "username", Value: user})
	out:
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func (s *RESTServer) logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s.Log.Debugln(r.Method, r.URL)
		handler(w, r, ps)
	}
}
