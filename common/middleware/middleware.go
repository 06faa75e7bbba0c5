package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	hr "github.com/julienschmidt/httprouter"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	cst "wuyrush.io/shout/constants"
)

// PanicRecoverer recovers from panic of underlying handlers
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panicReason", rec).WithField(cst.LogFieldRequestID, RequestIDFrom(r.Context())).
						Error("got panic from underlying handler")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			h(w, r, p)
		}
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits underlying handler call rate per client address with given token bucket config
func RateLimiter(burst int, rps float64) Middleware {
	const idle = 3 * time.Minute
	var (
		mu          sync.Mutex
		visitors    = map[string]*visitor{}
		lastCleanup = time.Now()
	)
	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		// evict idle clients in passing rather than with a dedicated goroutine
		if now.Sub(lastCleanup) > idle {
			for k, v := range visitors {
				if now.Sub(v.lastSeen) > idle {
					delete(visitors, k)
				}
			}
			lastCleanup = now
		}
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[ip] = v
		}
		v.lastSeen = now
		return v.limiter
	}
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !get(ip).Allow() {
				log.WithField("remoteAddr", ip).Warn("rate limit exceeded")
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			h(w, r, p)
		}
	}
}

// HSTSer enforces clients to use HTTPS for interaction with service
func HSTSer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			h(w, r, p)
		}
	}
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// RequestID tags every request with an id, reusing the one set by upstream proxies if present
func RequestID() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			id := r.Header.Get(cst.HeaderRequestID)
			if _, err := ksuid.Parse(id); err != nil {
				id = ksuid.New().String()
			}
			w.Header().Set(cst.HeaderRequestID, id)
			h(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)), p)
		}
	}
}

// RequestIDFrom returns the request id carried by ctx, if any
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares. The last middleware is the outermost one.
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}
