package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
	feedReadLimit  = 512

	feedEventMessage = "message"
	feedEventExpired = "expired"
	feedEventError   = "error"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type feedEvent struct {
	Type    string         `json:"type"`
	Message *feedEntryView `json:"message,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// HandleTaskRoomFeed pushes messages posted to the room after the requested position, in position order,
// until the room expires or the client goes away. Clients only ever listen; whatever they send is dropped.
func (s *shoutServer) HandleTaskRoomFeed() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomHash := ps.ByName("hash")
		after, perr := parseAfter(r)
		if perr != nil {
			writeErr(w, perr)
			return
		}
		// answer gone rooms with a plain http error rather than an upgraded connection
		if _, err := s.GW.GetRoom(r.Context(), roomHash); err != nil {
			writeErr(w, err)
			return
		}
		ws, err := feedUpgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader has answered the client already
			clog.WithError(err).Info("error upgrading to websocket")
			return
		}
		flog := clog.WithField(cst.LogFieldRoomRef, logging.Redact(roomHash))
		flog.Debug("feed subscribed")
		defer ws.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go drainFeedClient(ws, cancel)

		code, reason := s.pushFeed(ctx, ws, roomHash, after, flog)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
			time.Now().Add(feedWriteWait))
		flog.WithField("closeReason", reason).Debug("feed closed")
	}
}

// pushFeed polls the room until ctx is done or the room is gone, returning the close code and reason
func (s *shoutServer) pushFeed(ctx context.Context, ws *websocket.Conn, roomHash string, after int64,
	flog *log.Entry) (int, string) {
	poll := time.NewTicker(s.FeedPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()
	for {
		es, err := s.GW.GetMessages(ctx, roomHash, after)
		switch {
		case err != nil && err.Terminal():
			if werr := writeFeedEvent(ws, &feedEvent{Type: feedEventExpired, Reason: err.Reason()}); werr != nil {
				return websocket.CloseGoingAway, "write failed"
			}
			return websocket.CloseNormalClosure, err.Reason()
		case err != nil:
			if ctx.Err() != nil {
				return websocket.CloseGoingAway, "client gone"
			}
			flog.WithError(err).Error("error polling room feed")
			msg := err.Error()
			if err.Code == se.ErrCodeServiceFailure {
				msg = http.StatusText(http.StatusInternalServerError)
			}
			// transient; try again next tick
			if werr := writeFeedEvent(ws, &feedEvent{Type: feedEventError, Reason: msg}); werr != nil {
				return websocket.CloseGoingAway, "write failed"
			}
		default:
			for _, e := range es {
				if werr := writeFeedEvent(ws, &feedEvent{Type: feedEventMessage, Message: newFeedEntryView(e)}); werr != nil {
					return websocket.CloseGoingAway, "write failed"
				}
				after = e.Position
			}
		}
		select {
		case <-ctx.Done():
			return websocket.CloseGoingAway, "client gone"
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return websocket.CloseGoingAway, "ping failed"
			}
		case <-poll.C:
		}
	}
}

func writeFeedEvent(ws *websocket.Conn, ev *feedEvent) error {
	if err := ws.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil {
		return err
	}
	return ws.WriteJSON(ev)
}

// drainFeedClient reads until the client closes the connection, then cancels the feed. Reading is also what
// gets control frames, pongs and close frames included, processed.
func drainFeedClient(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	ws.SetReadLimit(feedReadLimit)
	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}
