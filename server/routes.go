package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	mw "wuyrush.io/shout/common/middleware"
	se "wuyrush.io/shout/errors"
	st "wuyrush.io/shout/stores"
)

// set up routes
func (s *shoutServer) SetupMux() {
	r := httprouter.New()
	limiter := mw.RateLimiter(s.RateLimitBurst, s.RateLimitRPS)
	api := func(h httprouter.Handle) httprouter.Handle {
		return mw.Chain(h, limiter, mw.HSTSer(), mw.PanicRecoverer(), mw.RequestID())
	}
	// shouts
	r.POST("/api/shouts/create", api(s.HandleTaskCreateShout()))
	r.GET("/api/shouts/:hash", api(s.HandleTaskViewShout()))
	r.GET("/api/shouts/:hash/check", api(s.HandleTaskCheckShout()))
	// chat rooms. httprouter does not allow a static segment next to a parameter, hence room creation is
	// routed through the :hash parameter
	r.POST("/api/chat/:hash", api(s.HandleTaskCreateRoom()))
	r.GET("/api/chat/:hash", api(s.HandleTaskGetRoom()))
	r.POST("/api/chat/:hash/message", api(s.HandleTaskPostMessage()))
	r.GET("/api/chat/:hash/messages", api(s.HandleTaskGetMessages()))
	r.GET("/api/chat/:hash/feed", api(s.HandleTaskRoomFeed()))
	// media kept by local file store. Other stores hand out locations of their own
	if _, ok := s.Files.(*st.LocalFileStore); ok {
		r.GET("/api/media/:ref", api(s.HandleTaskGetMedia()))
	}
	// ops
	r.GET("/api/utils/health", mw.Chain(s.HandleTaskHealth(), mw.PanicRecoverer()))
	r.POST("/api/admin/cleanup", api(s.HandleTaskCleanup()))

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, se.NewNotFound("route not found"))
	})

	s.Router = r
}
