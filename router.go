package speedfile

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chi-middleware/proxy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gosimple/slug"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrRouteNotFound    = errors.New("route not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

type RouteKind int

const (
	RouteNotFound RouteKind = iota
	RouteIndex
	RouteStream
	RouteMalformed
	RouteOutOfRange
	RouteMethodNotAllowed
)

func (k RouteKind) String() string {
	switch k {
	case RouteNotFound:
		return "notfound"
	case RouteIndex:
		return "index"
	case RouteStream:
		return "stream"
	case RouteMalformed:
		return "malformed"
	case RouteOutOfRange:
		return "outofrange"
	case RouteMethodNotAllowed:
		return "methodnotallowed"
	}
	return fmt.Sprintf("RouteKind(%d)", int(k))
}

// What a request resolves to. Spec is only set for RouteStream, Err for the
// error kinds.
type Route struct {
	Kind RouteKind
	Spec *SizeSpec
	Err  error
}

// The status code the route is answered with
func (r Route) Status() int {
	switch r.Kind {
	case RouteIndex, RouteStream:
		return http.StatusOK
	case RouteMalformed:
		return http.StatusBadRequest
	case RouteOutOfRange:
		var tooLarge *TooLargeError
		if errors.As(r.Err, &tooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case RouteMethodNotAllowed:
		return http.StatusMethodNotAllowed
	}
	return http.StatusNotFound
}

type parseResult struct {
	spec *SizeSpec
	err  error
}

// Server turns requests for files like /10MB.bin into streams of random data
// and serves the index page. It keeps no state between requests except for
// counters and the parse cache.
type Server struct {
	config  *Config
	sink    Sink
	cache   *lru.Cache
	index   http.Handler
	started atomic.Uint64
	active  atomic.Int64
	running sync.WaitGroup
}

// The sink receives a record for every request; it may be nil.
func NewServer(config *Config, sink Sink) (*Server, error) {
	cache, err := lru.New(max(config.ParseCacheSize, 1))
	if err != nil {
		return nil, err
	}
	s := &Server{
		config: config,
		sink:   sink,
		cache:  cache,
	}
	s.index = middleware.Timeout(time.Duration(config.Timeout))(http.HandlerFunc(s.serveIndex))
	return s, nil
}

// Amount of streams started since the server was created
func (s *Server) StreamsStarted() uint64 {
	return s.started.Load()
}

// Amount of streams currently running
func (s *Server) StreamsActive() int64 {
	return s.active.Load()
}

// Wait until every running stream has finalized its record, or ctx is done
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// The full handler: middleware plus routing
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.config.Xff {
		r.Use(proxy.ForwardedHeaders())
	}
	if s.config.LogRequests {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logrus.StandardLogger(), NoColor: true}))
	}
	r.Use(AccessLogger(s.sink))
	r.Use(middleware.Recoverer)
	r.Handle("/*", s)
	return r
}

func (s *Server) parse(token string) (*SizeSpec, error) {
	if cached, ok := s.cache.Get(token); ok {
		result := cached.(parseResult)
		return result.spec, result.err
	}
	spec, err := ParseSize(token, uint64(s.config.MaxFileSize))
	s.cache.Add(token, parseResult{spec: spec, err: err})
	return spec, err
}

// Figure out what a request is for. Only a single path segment that starts
// with a digit is treated as a size; anything else that isn't the index is
// not found, whatever the method.
func (s *Server) Classify(method, path string) Route {
	var route Route
	token := strings.TrimPrefix(path, "/")
	switch {
	case path == "/" || (s.config.IndexRoot != "" && path == s.config.IndexRoot):
		route = Route{Kind: RouteIndex}
	case token == "" || strings.Contains(token, "/") || !startsWithDigit(token):
		return Route{Kind: RouteNotFound, Err: errors.Wrapf(ErrRouteNotFound, "%s", path)}
	default:
		spec, err := s.parse(token)
		switch {
		case err == nil:
			route = Route{Kind: RouteStream, Spec: spec}
		case errors.Is(err, ErrSizeOutOfRange):
			route = Route{Kind: RouteOutOfRange, Err: err}
		default:
			route = Route{Kind: RouteMalformed, Err: err}
		}
	}
	if method != http.MethodGet && method != http.MethodHead {
		return Route{Kind: RouteMethodNotAllowed, Err: errors.Wrapf(ErrMethodNotAllowed, "%s %s", method, path)}
	}
	return route
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := s.Classify(r.Method, r.URL.Path)
	switch route.Kind {
	case RouteIndex:
		s.index.ServeHTTP(w, r)
	case RouteStream:
		s.serveStream(w, r, route.Spec)
	case RouteMalformed:
		http.Error(w, "cannot parse size", route.Status())
	case RouteOutOfRange:
		if route.Status() == http.StatusRequestEntityTooLarge {
			http.Error(w, "too big", route.Status())
		} else {
			http.Error(w, "size must be larger than zero", route.Status())
		}
	case RouteMethodNotAllowed:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", route.Status())
	case RouteNotFound:
		http.Error(w, "Not Found", route.Status())
	default:
		panic(fmt.Sprintf("unhandled route %s", route.Kind))
	}
}

// The name offered to browsers. The extension is whatever the client asked
// for, so it gets cleaned up first.
func downloadName(spec *SizeSpec) string {
	base := strings.TrimSuffix(spec.Token, "."+spec.Extension)
	ext := slug.Make(spec.Extension)
	if ext == "" {
		ext = "bin"
	}
	return base + "." + ext
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, spec *SizeSpec) {
	h := w.Header()
	h.Set("Content-Type", s.config.ContentType)
	h.Set("Content-Length", strconv.FormatUint(spec.Bytes, 10))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", downloadName(spec)))
	h.Set("Cache-Control", "no-cache, no-store, no-transform, must-revalidate")
	h.Set("Pragma", "no-cache")

	// HEAD only wants the headers; nothing gets generated
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	t := TransferFromContext(r.Context())
	if t == nil {
		t = NewTransfer(r, spec.Bytes, s.sink)
	} else {
		t.SetRequested(spec.Bytes)
	}
	err := s.stream(r.Context(), w, t, NewRandomStream(spec.Bytes))
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"path":    r.URL.Path,
			"written": t.Written(),
		}).Debug("stream aborted")
	}
}

// Send the stream through the transfer. The next chunk is only generated once
// the previous one was accepted, so a slow client slows generation down and a
// gone client stops it.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, t *Transfer, strm *RandomStream) error {
	s.started.Add(1)
	s.active.Add(1)
	s.running.Add(1)
	defer s.running.Done()
	defer s.active.Add(-1)

	rc := http.NewResponseController(w)
	timeout := time.Duration(s.config.SendTimeout)
	if timeout > 0 {
		// The connection may be reused, so don't leave our deadline on it
		defer rc.SetWriteDeadline(time.Time{})
	}

	t.SetStatus(http.StatusOK)
	w.WriteHeader(http.StatusOK)
	for {
		if err := ctx.Err(); err != nil {
			t.Abort(err)
			return errors.Wrapf(ErrTransferAborted, "%s", err)
		}
		chunk, ok := strm.Next()
		if !ok {
			break
		}
		if timeout > 0 {
			// Not every writer supports deadlines (http.ErrNotSupported); that's fine
			_ = rc.SetWriteDeadline(time.Now().Add(timeout))
		}
		if err := t.Write(w, chunk); err != nil {
			return err
		}
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		t.Abort(err)
		return errors.Wrapf(ErrTransferAborted, "flush: %s", err)
	}
	t.Complete()
	return nil
}
