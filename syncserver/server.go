// Package syncserver exposes the peer-facing HTTP API: ping, change
// exchange, and file transfer endpoints consumed by other nodes' sync
// clients.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/memory"

	"github.com/scoutmesh/scoutmesh/catchup"
	"github.com/scoutmesh/scoutmesh/changelog"
	"github.com/scoutmesh/scoutmesh/syncclient"
)

var (
	// Error is the default error class for the syncserver package.
	Error = errs.Class("syncserver")

	mon = monkit.Package()
)

// Config holds the peer sync API server settings.
type Config struct {
	Address       string      `help:"address for the peer sync api" default:":7100"`
	MaxUploadSize memory.Size `help:"maximum accepted size for a single file upload" default:"128MiB"`
}

// ChangeSource lists local change records for peers pulling history.
type ChangeSource interface {
	ListSince(ctx context.Context, since time.Time) ([]changelog.ChangeRecord, error)
}

// ChangeSink applies change records received from peers.
type ChangeSink interface {
	ApplyIncoming(ctx context.Context, records []changelog.ChangeRecord) (int, error)
}

// Server handles peer sync requests.
type Server struct {
	log      *zap.Logger
	config   Config
	listener net.Listener

	serverID string
	version  string

	source ChangeSource
	sink   ChangeSink
	dirFor func(class string) (string, bool)

	decoder *schema.Decoder
	server  http.Server
}

// NewServer creates a peer sync API server.
func NewServer(log *zap.Logger, config Config, listener net.Listener, serverID, version string, source ChangeSource, sink ChangeSink, dirFor func(class string) (string, bool)) *Server {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	server := &Server{
		log:      log,
		config:   config,
		listener: listener,
		serverID: serverID,
		version:  version,
		source:   source,
		sink:     sink,
		dirFor:   dirFor,
		decoder:  decoder,
	}

	router := mux.NewRouter()
	sync := router.PathPrefix("/sync").Subrouter()
	sync.HandleFunc("/ping", server.ping).Methods(http.MethodGet)
	sync.HandleFunc("/receive-changes", server.receiveChanges).Methods(http.MethodPost)
	sync.HandleFunc("/changes", server.changes).Methods(http.MethodGet)
	sync.HandleFunc("/files/checksums", server.fileChecksums).Methods(http.MethodGet)
	sync.HandleFunc("/files/upload", server.fileUpload).Methods(http.MethodPost)
	sync.HandleFunc("/files/download", server.fileDownload).Methods(http.MethodGet)

	server.server.Handler = router
	return server
}

// Handler returns the sync API router, for serving without a listener.
func (server *Server) Handler() http.Handler {
	return server.server.Handler
}

// Run starts the sync HTTP server using the provided listener.
// If listener is nil, it does nothing and returns nil.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if server.listener == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

func (server *Server) ping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	server.serveJSON(w, http.StatusOK, syncclient.PingResponse{
		Version:  server.version,
		Status:   "ok",
		ServerID: server.serverID,
	})
}

func (server *Server) receiveChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var req syncclient.ReceiveChangesRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}

	if req.ServerID == server.serverID || r.Header.Get(syncclient.OriginHeader) == server.serverID {
		server.log.Debug("ignoring changes originating from this node")
		server.serveJSON(w, http.StatusOK, syncclient.ReceiveChangesResponse{AppliedCount: 0})
		return
	}

	// changes that started life here must not be applied back
	changes := req.Changes[:0]
	for _, change := range req.Changes {
		if change.OriginServerID == server.serverID {
			continue
		}
		changes = append(changes, change)
	}

	applied, err := server.sink.ApplyIncoming(ctx, changes)
	if err != nil {
		mon.Counter("syncserver_apply_failures").Inc(1)
		server.log.Warn("failed to apply pushed changes",
			zap.String("from_server", req.ServerID),
			zap.Int("applied", applied),
			zap.Error(err))
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}

	server.log.Debug("applied pushed changes",
		zap.String("from_server", req.ServerID),
		zap.Bool("catchup_mode", req.CatchupMode),
		zap.Int("applied", applied))
	server.serveJSON(w, http.StatusOK, syncclient.ReceiveChangesResponse{AppliedCount: applied})
}

func (server *Server) changes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var query struct {
		Since string `schema:"since"`
	}
	if err = server.decoder.Decode(&query, r.URL.Query()); err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	if query.Since == "" {
		server.serveError(w, http.StatusBadRequest, Error.New("since parameter is required"))
		return
	}
	since, err := time.Parse(time.RFC3339Nano, query.Since)
	if err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}

	records, err := server.source.ListSince(ctx, since)
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}

	server.serveJSON(w, http.StatusOK, syncclient.ChangesResponse{
		Changes:  records,
		ServerID: server.serverID,
	})
}

func (server *Server) fileChecksums(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	// the checksums endpoint names the directory class "path" on the wire
	var query struct {
		Class string `schema:"path"`
	}
	if err = server.decoder.Decode(&query, r.URL.Query()); err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	class := query.Class
	dir, ok := server.dirFor(class)
	if !ok {
		server.serveError(w, http.StatusBadRequest, Error.New("unknown base folder %q", class))
		return
	}

	checksums, err := catchup.LocalChecksums(ctx, server.log, dir)
	if err != nil {
		server.log.Warn("failed to build checksum map",
			zap.String("class", class), zap.Error(err))
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, checksums)
}

func (server *Server) fileUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	r.Body = http.MaxBytesReader(w, r.Body, server.config.MaxUploadSize.Int64())
	if err = r.ParseMultipartForm(memory.MiB.Int64()); err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}

	class := r.FormValue("base_folder")
	dir, ok := server.dirFor(class)
	if !ok {
		server.serveError(w, http.StatusBadRequest, Error.New("unknown base folder %q", class))
		return
	}
	relPath := r.FormValue("path")
	if relPath == "" {
		server.serveError(w, http.StatusBadRequest, Error.New("path is required"))
		return
	}
	if catchup.ExcludedPath(relPath) {
		server.serveError(w, http.StatusForbidden, Error.New("path %q is not syncable", relPath))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	defer func() { _ = file.Close() }()

	if err = catchup.WriteFileAtomic(dir, relPath, file); err != nil {
		mon.Counter("syncserver_upload_failures").Inc(1)
		server.log.Warn("failed to store uploaded file",
			zap.String("class", class),
			zap.String("path", relPath),
			zap.String("from_server", r.FormValue("server_id")),
			zap.Error(err))
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}

	mon.Counter("syncserver_uploads").Inc(1)
	server.serveJSON(w, http.StatusOK, map[string]string{"status": "stored", "path": relPath})
}

func (server *Server) fileDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	class, dir, ok := server.resolveClass(w, r)
	if !ok {
		return
	}

	var query struct {
		Path string `schema:"path"`
	}
	if err = server.decoder.Decode(&query, r.URL.Query()); err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	if query.Path == "" {
		server.serveError(w, http.StatusBadRequest, Error.New("path is required"))
		return
	}
	if catchup.ExcludedPath(query.Path) {
		server.serveError(w, http.StatusForbidden, Error.New("path %q is not syncable", query.Path))
		return
	}

	path, err := catchup.SecureJoin(dir, query.Path)
	if err != nil {
		server.serveError(w, http.StatusBadRequest, err)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			server.serveError(w, http.StatusNotFound, Error.New("no such file %q in %q", query.Path, class))
			return
		}
		server.serveError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, query.Path, info.ModTime(), file)
}

// resolveClass decodes the base_folder query parameter and maps it to a
// local directory, writing the error response itself when that fails.
func (server *Server) resolveClass(w http.ResponseWriter, r *http.Request) (class, dir string, ok bool) {
	var query struct {
		BaseFolder string `schema:"base_folder"`
	}
	if err := server.decoder.Decode(&query, r.URL.Query()); err != nil {
		server.serveError(w, http.StatusBadRequest, Error.Wrap(err))
		return "", "", false
	}
	dir, ok = server.dirFor(query.BaseFolder)
	if !ok {
		server.serveError(w, http.StatusBadRequest, Error.New("unknown base folder %q", query.BaseFolder))
		return "", "", false
	}
	return query.BaseFolder, dir, true
}

func (server *Server) serveJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		server.log.Error("failed to write json response", zap.Error(err))
	}
}

func (server *Server) serveError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]string{"error": err.Error()}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		server.log.Error("failed to write json error response", zap.Error(err))
	}
}
