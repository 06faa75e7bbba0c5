package main

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/shout/common/logging"
	mw "wuyrush.io/shout/common/middleware"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	"wuyrush.io/shout/gateway"
	md "wuyrush.io/shout/models"
)

const roomCreatePath = "create"

// -------------- views --------------

type shoutView struct {
	Hash      string    `json:"hash"`
	Type      md.Kind   `json:"type"`
	Text      string    `json:"text,omitempty"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	Hits      int       `json:"hits"`
	MaxHits   int       `json:"maxHits"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type outcomeView struct {
	Valid  bool       `json:"valid"`
	Reason string     `json:"reason,omitempty"`
	Shout  *shoutView `json:"shout,omitempty"`
}

func newOutcomeView(o *gateway.Outcome) *outcomeView {
	v := &outcomeView{Valid: o.Valid, Reason: o.Reason}
	if s := o.Shout; s != nil {
		v.Shout = &shoutView{
			Hash:      s.Hash,
			Type:      s.Kind,
			Text:      s.Payload.Text,
			MediaURL:  o.MediaURL,
			Hits:      s.Hits,
			MaxHits:   s.MaxHits,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
		}
	}
	return v
}

type roomView struct {
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastPosition int64     `json:"lastPosition"`
}

func newRoomView(r *md.Room) *roomView {
	return &roomView{Hash: r.Hash, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt, LastPosition: r.LastPosition}
}

type messageView struct {
	Position  int64     `json:"position"`
	ShoutHash string    `json:"shoutHash"`
	PostedAt  time.Time `json:"postedAt"`
}

type feedEntryView struct {
	messageView
	Type      md.Kind   `json:"type"`
	Valid     bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
	Text      string    `json:"text,omitempty"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	Hits      int       `json:"hits"`
	MaxHits   int       `json:"maxHits"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newFeedEntryView(e *md.FeedEntry) *feedEntryView {
	return &feedEntryView{
		messageView: messageView{Position: e.Position, ShoutHash: e.ShoutHash, PostedAt: e.PostedAt},
		Type:        e.Kind,
		Valid:       e.Fresh,
		Reason:      e.Reason,
		Text:        e.Text,
		MediaURL:    e.MediaURL,
		Hits:        e.Hits,
		MaxHits:     e.MaxHits,
		ExpiresAt:   e.ExpiresAt,
	}
}

type errView struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

// -------------- handlers --------------

func (s *shoutServer) HandleTaskCreateShout() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		rlog := clog.WithField(cst.LogFieldRequestID, mw.RequestIDFrom(r.Context()))
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxReqBodySize)
		req := gateway.NewShoutRequest()
		if err := parseCreateRequest(r, req); err != nil {
			rlog.WithError(err).Info("error parsing create request")
			writeErr(w, err)
			return
		}
		res, err := s.GW.Create(r.Context(), req)
		if err != nil {
			rlog.WithError(err).Info("error creating shout")
			writeErr(w, err)
			return
		}
		rlog.WithFields(log.Fields{
			cst.LogFieldShoutRef: logging.Redact(res.Hash),
			"type":               res.Kind,
		}).Info("shout created")
		writeJSON(w, http.StatusCreated, struct {
			Success   bool      `json:"success"`
			Hash      string    `json:"hash"`
			URL       string    `json:"url"`
			Type      md.Kind   `json:"type"`
			MaxHits   int       `json:"maxHits"`
			ExpiresAt time.Time `json:"expiresAt"`
		}{true, res.Hash, "/api/shouts/" + res.Hash, res.Kind, res.MaxHits, res.ExpiresAt})
	}
}

// HandleTaskViewShout consumes one hit of the shout unless the request asks for a preview only
func (s *shoutServer) HandleTaskViewShout() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hash := ps.ByName("hash")
		var (
			o   *gateway.Outcome
			err *se.Err
		)
		if p := r.URL.Query().Get("preview"); p == "1" || p == "true" {
			o, err = s.GW.Check(r.Context(), hash)
		} else {
			o, err = s.GW.View(r.Context(), hash)
		}
		writeOutcome(w, hash, o, err)
	}
}

func (s *shoutServer) HandleTaskCheckShout() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hash := ps.ByName("hash")
		o, err := s.GW.Check(r.Context(), hash)
		writeOutcome(w, hash, o, err)
	}
}

func writeOutcome(w http.ResponseWriter, hash string, o *gateway.Outcome, err *se.Err) {
	if err != nil {
		logging.WithFuncName().WithField(cst.LogFieldShoutRef, logging.Redact(hash)).WithError(err).
			Error("error reading shout")
		writeErr(w, err)
		return
	}
	code := http.StatusOK
	if !o.Valid {
		code = http.StatusNotFound
	}
	writeJSON(w, code, newOutcomeView(o))
}

func (s *shoutServer) HandleTaskCreateRoom() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ps.ByName("hash") != roomCreatePath {
			writeErr(w, se.NewNotFound("route not found"))
			return
		}
		room, err := s.GW.CreateRoom(r.Context())
		if err != nil {
			clog.WithError(err).Error("error creating room")
			writeErr(w, err)
			return
		}
		clog.WithField(cst.LogFieldRoomRef, logging.Redact(room.Hash)).Info("room created")
		writeJSON(w, http.StatusCreated, struct {
			Success bool      `json:"success"`
			Hash    string    `json:"hash"`
			Room    *roomView `json:"chatRoom"`
		}{true, room.Hash, newRoomView(room)})
	}
}

func (s *shoutServer) HandleTaskGetRoom() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		room, err := s.GW.GetRoom(r.Context(), ps.ByName("hash"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool      `json:"success"`
			Room    *roomView `json:"chatRoom"`
		}{true, newRoomView(room)})
	}
}

func (s *shoutServer) HandleTaskPostMessage() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomHash := ps.ByName("hash")
		rlog := clog.WithFields(log.Fields{
			cst.LogFieldRoomRef:   logging.Redact(roomHash),
			cst.LogFieldRequestID: mw.RequestIDFrom(r.Context()),
		})
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxReqBodySize)
		req := gateway.NewMessageRequest()
		if err := parseCreateRequest(r, req); err != nil {
			rlog.WithError(err).Info("error parsing message")
			writeErr(w, err)
			return
		}
		res, err := s.GW.PostMessage(r.Context(), roomHash, req)
		if err != nil {
			rlog.WithError(err).Info("error posting message")
			writeErr(w, err)
			return
		}
		rlog.WithField("position", res.Message.Position).Info("message posted")
		m := res.Message
		writeJSON(w, http.StatusCreated, struct {
			Success   bool         `json:"success"`
			Message   *messageView `json:"message"`
			ShoutHash string       `json:"shoutHash"`
		}{true, &messageView{Position: m.Position, ShoutHash: m.ShoutHash, PostedAt: m.PostedAt}, m.ShoutHash})
	}
}

func (s *shoutServer) HandleTaskGetMessages() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		after, perr := parseAfter(r)
		if perr != nil {
			writeErr(w, perr)
			return
		}
		es, err := s.GW.GetMessages(r.Context(), ps.ByName("hash"), after)
		if err != nil {
			writeErr(w, err)
			return
		}
		vs := make([]*feedEntryView, 0, len(es))
		for _, e := range es {
			vs = append(vs, newFeedEntryView(e))
		}
		writeJSON(w, http.StatusOK, struct {
			Success  bool             `json:"success"`
			Messages []*feedEntryView `json:"messages"`
		}{true, vs})
	}
}

func parseAfter(r *http.Request) (int64, *se.Err) {
	v := r.URL.Query().Get("after")
	if v == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, se.NewBadInput(fmt.Sprintf("invalid position %q", v)).WithCause(err)
	}
	return after, nil
}

// HandleTaskGetMedia streams media kept by the file store. Media references are unguessable and handed out
// only by consuming views, hence serving them does not consume anything.
func (s *shoutServer) HandleTaskGetMedia() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ref := ps.ByName("ref")
		flog := clog.WithField("ref", ref)
		rc, err := s.Files.Get(r.Context(), ref)
		if err != nil {
			if err.Code != se.ErrCodeNotFound {
				flog.WithError(err).Error("error getting media from FileStore")
			}
			writeErr(w, err)
			return
		}
		defer rc.Close()
		headers := w.Header()
		if ct := mime.TypeByExtension(filepath.Ext(ref)); ct != "" {
			headers.Set("Content-Type", ct)
		} else {
			headers.Set("Content-Type", "application/octet-stream")
		}
		headers.Set("Cache-Control", "no-store")
		headers.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		if n, err := bufio.NewReader(rc).WriteTo(w); err != nil {
			// headers are out already; all we can do is log
			flog.WithError(err).Warning("error sending media to requester")
		} else {
			flog.WithField("bytesWritten", n).Debug("media sent to requester")
		}
	}
}

func (s *shoutServer) HandleTaskHealth() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		writeJSON(w, http.StatusOK, struct {
			Status  string `json:"status"`
			Service string `json:"service"`
			Version string `json:"version"`
		}{"healthy", serviceName, version.Version})
	}
}

// HandleTaskCleanup runs one sweep on demand. It is disabled unless an admin token is configured.
func (s *shoutServer) HandleTaskCleanup() httprouter.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		tok := r.Header.Get(cst.HeaderAdminToken)
		if s.AdminToken == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.AdminToken)) != 1 {
			clog.WithField("remoteAddr", r.RemoteAddr).Warning("unauthorized cleanup attempt")
			writeErr(w, se.NewUnauthorized("invalid admin token"))
			return
		}
		rep, err := s.Sweeper.SweepOnce(r.Context())
		if err != nil {
			clog.WithError(err).Error("error sweeping on demand")
			writeErr(w, err)
			return
		}
		clog.WithField("report", rep).Info("on-demand sweep done")
		writeJSON(w, http.StatusOK, struct {
			Success bool        `json:"success"`
			Report  interface{} `json:"report"`
		}{true, rep})
	}
}

// -------------- utils --------------

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WithFuncName().WithError(err).Warning("error writing response")
	}
}

// writeErr answers with the status of err. Internal details stay in the logs.
func writeErr(w http.ResponseWriter, err *se.Err) {
	code := err.StatusCode()
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		logging.WithFuncName().WithField("trace", err.Trace()).Error("request failed")
		if err.Code == se.ErrCodeServiceFailure {
			msg = http.StatusText(code)
		}
	}
	writeJSON(w, code, errView{Error: msg, Reason: err.Reason()})
}
