// Package gateway vends the operations callers of shout service perform: creating, checking and viewing
// shouts, and chatting in rooms. It validates input, fills in defaults and moves shout media in and out of
// the FileStore.
package gateway

import (
	"bytes"
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"wuyrush.io/shout/common/logging"
	cst "wuyrush.io/shout/constants"
	se "wuyrush.io/shout/errors"
	"wuyrush.io/shout/ledger"
	md "wuyrush.io/shout/models"
	"wuyrush.io/shout/sequencer"
	st "wuyrush.io/shout/stores"
)

type Gateway struct {
	Ledger    *ledger.Ledger
	Sequencer *sequencer.Sequencer
	Files     st.FileStore
}

func New(l *ledger.Ledger, sq *sequencer.Sequencer, fs st.FileStore) *Gateway {
	return &Gateway{Ledger: l, Sequencer: sq, Files: fs}
}

// CreateRequest carries what a client submits to create a shout. Content is taken from Text for text
// shouts, and from Media or DataURI for media shouts.
type CreateRequest struct {
	Kind    md.Kind
	MaxHits int
	MaxTime int // minutes
	Text    string
	// Media streams the media content; MediaSize is its length in bytes, -1 if unknown
	Media     io.Reader
	MediaSize int64
	MediaName string
	DataURI   string
}

// NewShoutRequest returns a request prefilled with the defaults of a standalone shout
func NewShoutRequest() *CreateRequest {
	return &CreateRequest{MaxHits: cst.DefaultMaxHits, MaxTime: cst.DefaultMaxTime, MediaSize: -1}
}

// NewMessageRequest returns a request prefilled with the defaults of a room message
func NewMessageRequest() *CreateRequest {
	return &CreateRequest{
		Kind:      md.KindAudio,
		MaxHits:   cst.DefaultMsgMaxHits,
		MaxTime:   cst.DefaultMsgMaxTime,
		MediaSize: -1,
	}
}

type CreateResult struct {
	Hash      string
	Kind      md.Kind
	MaxHits   int
	ExpiresAt time.Time
}

// Outcome is the answer to a check or a view. Shout and MediaURL are set only on a successful view.
type Outcome struct {
	Valid    bool
	Reason   string
	Shout    *md.Shout
	MediaURL string
}

// PostResult is the answer to posting a message in a room
type PostResult struct {
	Message *md.Message
	Shout   *CreateResult
}

// Create validates the request and registers the shout. Media goes to the FileStore before the shout is
// registered, and is removed again if registration fails.
func (g *Gateway) Create(ctx context.Context, req *CreateRequest) (*CreateResult, *se.Err) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var payload md.Payload
	if req.Kind.Media() {
		ref, err := g.saveMedia(ctx, req)
		if err != nil {
			return nil, err
		}
		payload.MediaRef = ref
	} else {
		text, err := SanitizeText(req.Text)
		if err != nil {
			return nil, err
		}
		payload.Text = text
	}
	s, err := g.Ledger.Create(ctx, req.Kind, payload, req.MaxHits, time.Duration(req.MaxTime)*time.Minute)
	if err != nil {
		if payload.MediaRef != "" {
			g.discardMedia(ctx, payload.MediaRef)
		}
		return nil, err
	}
	return &CreateResult{Hash: s.Hash, Kind: s.Kind, MaxHits: s.MaxHits, ExpiresAt: s.ExpiresAt}, nil
}

func (g *Gateway) saveMedia(ctx context.Context, req *CreateRequest) (string, *se.Err) {
	max := mediaSizeMax[req.Kind]
	var (
		r    io.Reader
		size = req.MediaSize
		ext  string
	)
	switch {
	case req.Media != nil:
		if size > max {
			return "", se.NewOversized().WithMsg("media too large")
		}
		e, err := mediaExt(req.Kind, req.MediaName)
		if err != nil {
			return "", err
		}
		r, ext = req.Media, e
	case req.DataURI != "":
		if req.Kind != md.KindPhoto {
			return "", se.NewBadInput("data URIs are accepted for photos only")
		}
		data, e, err := DecodeDataURI(req.DataURI, max)
		if err != nil {
			return "", err
		}
		r, size, ext = bytes.NewReader(data), int64(len(data)), e
	default:
		return "", se.NewBadInput("no media data provided")
	}
	lr := NewLimitReader(r, max)
	ref := g.Files.Ref(ext)
	if err := g.Files.Save(ctx, ref, lr, size); err != nil {
		if err.Code == se.ErrCodeOversized {
			return "", err.WithMsg("media too large")
		}
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error("error saving media")
		if err.Code == se.ErrCodeAPIBadRequest {
			return "", err
		}
		return "", se.NewUpstreamUnavailable("media storage unavailable").WithCause(err)
	}
	if lr.N() == 0 {
		g.discardMedia(ctx, ref)
		return "", se.NewBadInput("media cannot be empty")
	}
	return ref, nil
}

// discardMedia removes media no shout refers to. Failures are left for operators to clean up.
func (g *Gateway) discardMedia(ctx context.Context, ref string) {
	if err := g.Files.Delete(ctx, ref); err != nil {
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error("error discarding orphan media")
	}
}

// Check reports whether the shout can still be viewed, without viewing it
func (g *Gateway) Check(ctx context.Context, hash string) (*Outcome, *se.Err) {
	if err := g.Ledger.Peek(ctx, hash); err != nil {
		if err.Terminal() {
			return &Outcome{Reason: err.Reason()}, nil
		}
		return nil, err
	}
	return &Outcome{Valid: true}, nil
}

// View consumes one hit of the shout and hands out its content. A consumed hit is never given back, even if
// the media location fails to resolve afterwards.
func (g *Gateway) View(ctx context.Context, hash string) (*Outcome, *se.Err) {
	s, err := g.Ledger.Consume(ctx, hash)
	if err != nil {
		if err.Terminal() {
			return &Outcome{Reason: err.Reason()}, nil
		}
		return nil, err
	}
	o := &Outcome{Valid: true, Shout: s}
	if s.Kind.Media() {
		u, err := g.Files.URL(ctx, s.Payload.MediaRef)
		if err != nil {
			logging.WithFuncName().WithFields(log.Fields{
				cst.LogFieldShoutRef: logging.Redact(hash),
				"ref":                s.Payload.MediaRef,
			}).WithError(err).Error("error resolving media url of consumed shout")
			return nil, se.NewUpstreamUnavailable("media storage unavailable").WithCause(err)
		}
		o.MediaURL = u
	}
	return o, nil
}

func (g *Gateway) CreateRoom(ctx context.Context) (*md.Room, *se.Err) {
	return g.Sequencer.CreateRoom(ctx)
}

func (g *Gateway) GetRoom(ctx context.Context, hash string) (*md.Room, *se.Err) {
	return g.Sequencer.GetRoom(ctx, hash)
}

// PostMessage creates a shout out of the request and appends it to the room. The room is checked first so
// that no media is stored for a room which is gone.
func (g *Gateway) PostMessage(ctx context.Context, roomHash string, req *CreateRequest) (*PostResult, *se.Err) {
	if _, err := g.Sequencer.GetRoom(ctx, roomHash); err != nil {
		return nil, err
	}
	res, err := g.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	m, err := g.Sequencer.Append(ctx, roomHash, res.Hash)
	if err != nil {
		// the shout stays unreachable since its hash was never handed out; the sweeper reclaims it on expiry
		logging.WithFuncName().WithField(cst.LogFieldRoomRef, logging.Redact(roomHash)).
			WithError(err).Warning("room refused message after its shout was created")
		return nil, err
	}
	return &PostResult{Message: m, Shout: res}, nil
}

// GetMessages returns the room feed after the given position, with media locations of fresh media shouts
// resolved
func (g *Gateway) GetMessages(ctx context.Context, roomHash string, after int64) ([]*md.FeedEntry, *se.Err) {
	es, err := g.Sequencer.List(ctx, roomHash, after)
	if err != nil {
		return nil, err
	}
	for _, e := range es {
		if !e.Fresh || e.MediaRef == "" {
			continue
		}
		u, err := g.Files.URL(ctx, e.MediaRef)
		if err != nil {
			logging.WithFuncName().WithField("ref", e.MediaRef).WithError(err).Error("error resolving media url")
			return nil, se.NewUpstreamUnavailable("media storage unavailable").WithCause(err)
		}
		e.MediaURL = u
	}
	return es, nil
}
