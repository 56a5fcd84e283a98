package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rubiojr/shopsync/pkg/hub"
	"github.com/rubiojr/shopsync/pkg/ledger"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/metrics"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/rubiojr/shopsync/pkg/notify"
	"github.com/rubiojr/shopsync/pkg/realtime"
	"github.com/rubiojr/shopsync/pkg/storage"
)

type Options struct {
	Store   *storage.Store
	Ledger  *ledger.Ledger
	Hub     *hub.Hub
	Metrics *metrics.Registry
	// ExposeMetrics serves the registry at /metrics.
	ExposeMetrics bool
	// DefaultActor is recorded as the author of stock changes whose request
	// names nobody.
	DefaultActor string
	Now          func() time.Time
}

type Server struct {
	store         *storage.Store
	ledger        *ledger.Ledger
	hub           *hub.Hub
	metrics       *metrics.Registry
	exposeMetrics bool
	logger        *log.Logger
	upgrader      websocket.Upgrader
	defaultActor  string
	now           func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.DefaultActor == "" {
		opts.DefaultActor = "admin"
	}
	m := metrics.OrNew(opts.Metrics)
	h := opts.Hub
	if h == nil {
		h = hub.New(0, m)
	}
	return &Server{
		store:         opts.Store,
		ledger:        opts.Ledger,
		hub:           h,
		metrics:       m,
		exposeMetrics: opts.ExposeMetrics,
		logger:        log.ForService("api"),
		defaultActor:  opts.DefaultActor,
		now:           opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the room registry the server broadcasts to.
func (s *Server) Hub() *hub.Hub { return s.hub }

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}
	s.writeJSON(w, status, response)
}

// writeDomainError maps ledger, store and notification errors to a status.
func (s *Server) writeDomainError(w http.ResponseWriter, what string, err error) {
	var short *ledger.InsufficientStockError
	switch {
	case errors.As(err, &short):
		s.writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Insufficient stock",
			Message: err.Error(),
			ItemID:  short.ItemID,
			Current: &short.Current,
			Delta:   &short.Delta,
		})
	case errors.Is(err, ledger.ErrNotReturnable):
		s.writeError(w, http.StatusConflict, "Not returnable", err.Error())
	case errors.Is(err, model.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, "Already exists", err.Error())
	case errors.Is(err, ledger.ErrConcurrentWrite):
		s.writeError(w, http.StatusConflict, "Concurrent write", err.Error())
	case errors.Is(err, ledger.ErrItemNotFound), errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, ledger.ErrInvalidAdjustment),
		errors.Is(err, notify.ErrInvalidKind),
		errors.Is(err, notify.ErrMissingTitle):
		s.writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	default:
		s.logger.Errorf("%s: %v", what, err)
		s.writeError(w, http.StatusInternalServerError, what+" failed", err.Error())
	}
}

// encodeFrame builds the wire bytes of a server frame.
func (s *Server) encodeFrame(event realtime.EventName, data any) ([]byte, error) {
	f, err := realtime.NewFrame(realtime.FrameServer, event, data, s.now())
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CompressMiddleware gzips responses for clients that accept it. The
// websocket endpoint is passed through as upgrades need the raw connection.
func CompressMiddleware(next http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}
