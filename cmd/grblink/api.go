package main

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	stdlog "log"
	"net/http"
	"strconv"
	"strings"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cncio/grblink/grbl"
)

type api struct {
	http.Handler
	s   *grbl.Session
	sse *sse.Server
	log *logrus.Entry

	cmdTimeout time.Duration
}

func newAPI(ctx context.Context, s *grbl.Session, cmdTimeout time.Duration, log *logrus.Entry) *api {
	r := mux.NewRouter()

	a := &api{
		Handler:    r,
		s:          s,
		log:        log,
		cmdTimeout: cmdTimeout,
		sse: sse.NewServer(&sse.Options{
			Logger: stdlog.New(ioutil.Discard, "", 0),
		}),
	}

	r.HandleFunc("/api/status", a.status).Methods("GET")
	r.HandleFunc("/api/stats", a.stats).Methods("GET")
	r.HandleFunc("/api/submit", a.submit).Methods("POST")
	r.HandleFunc("/api/response/{id:[0-9]+}", a.response).Methods("GET")
	r.HandleFunc("/api/flush", a.flush).Methods("POST")
	r.HandleFunc("/api/reset", a.reset).Methods("POST")
	r.PathPrefix("/events/").Handler(a.sse)

	go a.watchState(ctx)

	return a
}

// watchState pushes each new telemetry snapshot to SSE subscribers
// until the daemon shuts down.
func (a *api) watchState(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, ok := a.s.CurrentStatus()
		if !ok || !snap.Timestamp.After(last) {
			continue
		}
		last = snap.Timestamp
		data, err := json.Marshal(snap)
		if err != nil {
			a.log.WithError(err).Error("marshal snapshot")
			continue
		}
		a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
	}
}

func (a *api) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).Error("encode response")
	}
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	snap, ok := a.s.CurrentStatus()
	if !ok {
		http.Error(w, "no status received yet", http.StatusNotFound)
		return
	}
	a.writeJSON(w, snap)
}

func (a *api) stats(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, a.s.ConnectionStats())
}

func (a *api) submit(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opt := grbl.DefaultSubmitOptions()
	opt.Timeout = a.cmdTimeout

	var ids []int64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ids = append(ids, a.s.SubmitWith(line, opt))
	}
	a.writeJSON(w, map[string]interface{}{"ids": ids})
}

func (a *api) response(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	lines, ok := a.s.Response(id)
	if !ok {
		http.Error(w, "response not available", http.StatusNotFound)
		return
	}
	a.writeJSON(w, map[string]interface{}{
		"id":    id,
		"lines": lines,
		"error": a.s.Errored(id),
	})
}

func (a *api) flush(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, map[string]int{"flushed": a.s.FlushPending()})
}

func (a *api) reset(w http.ResponseWriter, req *http.Request) {
	if err := a.s.SoftReset(); err != nil {
		a.log.WithError(err).Error("soft reset")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
