// Package syncserver is the server side of cache sync. It stores what
// devices upload and serves the documents published to them, over HTTP and
// over a message bus.
package syncserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/logging"
	"github.com/odvcencio/usercache/pkg/syncer"
	"github.com/odvcencio/usercache/pkg/usercache"
)

// PushPath publishes a document to a device outbox.
const PushPath = "/usercache/push"

const defaultMaxBodyBytes int64 = 32 << 20

// Options configures a Server.
type Options struct {
	Logger  *logging.Logger
	Metrics *Metrics

	// MaxBodyBytes caps HTTP request bodies. Zero means 32MB.
	MaxBodyBytes int64

	// MaxInFlight limits concurrent sync requests; excess requests wait
	// briefly and then get 429. Zero means unlimited.
	MaxInFlight int
}

// PushRequest publishes one document to a device.
type PushRequest struct {
	DeviceID string              `json:"device_id"`
	Type     usercache.EntryType `json:"type"`
	Key      string              `json:"key"`
	Data     []byte              `json:"data"`
	Plugin   string              `json:"plugin,omitempty"`
}

// Server answers device sync requests from a Registry.
type Server struct {
	registry *Registry
	logger   *logging.Logger
	metrics  *Metrics
	maxBody  int64
	inFlight int
}

// New builds a Server over registry.
func New(registry *Registry, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Server{
		registry: registry,
		logger:   logger.Component("syncserver"),
		metrics:  opts.Metrics,
		maxBody:  maxBody,
		inFlight: opts.MaxInFlight,
	}
}

// Put stores an upload in the device inbox. A partial import stores the
// valid entries and returns a PARTIAL_SYNC_FAILURE error.
func (s *Server) Put(ctx context.Context, req syncer.UploadRequest) (usercache.ImportResult, error) {
	device, err := s.device(req.DeviceID)
	if err != nil {
		return usercache.ImportResult{}, err
	}

	res, err := device.Inbox.ImportFromDownload(ctx, req.Entries)
	s.metrics.addReceived(res.Imported)

	log := s.logger.WithDevice(device.ID).WithBatch(req.BatchID)
	if err != nil {
		log.Warn("upload partially stored", "imported", res.Imported, "failed", len(res.Failed), "err", err)
	} else {
		log.Debug("upload stored", "imported", res.Imported)
	}
	return res, err
}

// Get returns outbox documents written after req.Since, oldest first.
func (s *Server) Get(ctx context.Context, req syncer.DownloadRequest) ([]usercache.Entry, error) {
	device, err := s.device(req.DeviceID)
	if err != nil {
		return nil, err
	}

	all, err := device.Outbox.ExportForUpload(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]usercache.Entry, 0, len(all))
	for _, e := range all {
		if e.Metadata.WriteTS > req.Since {
			out = append(out, e)
		}
	}
	s.metrics.addServed(len(out))
	s.logger.WithDevice(device.ID).Debug("download served", "since", req.Since, "entries", len(out))
	return out, nil
}

// Push writes a document into the device outbox.
func (s *Server) Push(ctx context.Context, req PushRequest) error {
	device, err := s.device(req.DeviceID)
	if err != nil {
		return err
	}

	var opts []usercache.PutOption
	if req.Plugin != "" {
		opts = append(opts, usercache.WithPlugin(req.Plugin))
	}

	switch req.Type {
	case usercache.Document, "":
		err = device.Outbox.PutDocument(ctx, req.Key, req.Data, opts...)
	case usercache.ReadWriteDocument:
		err = device.Outbox.PutReadWriteDocument(ctx, req.Key, req.Data, opts...)
	default:
		err = cacheerrors.Newf(cacheerrors.ErrCodeInvalidInput, "cannot push entry type %q", req.Type)
	}
	if err != nil {
		return err
	}

	s.metrics.incPushed()
	s.logger.WithDevice(device.ID).Info("document pushed", "key", req.Key)
	return nil
}

func (s *Server) device(id string) (*Device, error) {
	d, err := s.registry.Device(id)
	if err != nil {
		return nil, err
	}
	s.metrics.setDevices(len(s.registry.Devices()))
	return d, nil
}

// Routes returns the HTTP handler for the sync endpoints.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)

	router.Get("/healthz", s.handleHealthz)
	router.Group(func(r chi.Router) {
		if s.inFlight > 0 {
			r.Use(middleware.ThrottleBacklog(s.inFlight, s.inFlight, 5*time.Second))
		}
		r.Post(syncer.PutPath, s.handlePut)
		r.Post(syncer.GetPath, s.handleGet)
		r.Post(PushPath, s.handlePush)
	})
	return router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.registry.Devices()),
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req syncer.UploadRequest
	if status, err := decodeJSONBody(w, r, &req, s.maxBody); err != nil {
		respondError(w, status, err)
		return
	}

	_, err := s.Put(r.Context(), req)
	s.metrics.observe("put", "http", err)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, syncer.Reply{})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req syncer.DownloadRequest
	if status, err := decodeJSONBody(w, r, &req, s.maxBody); err != nil {
		respondError(w, status, err)
		return
	}

	entries, err := s.Get(r.Context(), req)
	s.metrics.observe("get", "http", err)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, syncer.Reply{Entries: entries})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if status, err := decodeJSONBody(w, r, &req, s.maxBody); err != nil {
		respondError(w, status, err)
		return
	}

	err := s.Push(r.Context(), req)
	s.metrics.observe("push", "http", err)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, syncer.Reply{})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// statusFor maps error codes to HTTP statuses.
func statusFor(err error) int {
	switch cacheerrors.GetCode(err) {
	case cacheerrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case cacheerrors.ErrCodePartialSync:
		return http.StatusUnprocessableEntity
	case cacheerrors.ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
