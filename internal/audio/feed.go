package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
)

const feedChunkSize = 8 * 1024

// FeedServer is the loopback HTTP listener the audio encoder reads from. Each
// request streams the library's current file and closes the response as soon
// as the current path changes, forcing the encoder to reconnect and pick up
// the new track.
type FeedServer struct {
	lib  *Library
	port int
	log  *slog.Logger
}

// NewFeedServer returns a feed server for the given library and port.
func NewFeedServer(lib *Library, port int, log *slog.Logger) *FeedServer {
	return &FeedServer{lib: lib, port: port, log: log}
}

// URL returns the feed endpoint the encoder should read from.
func (f *FeedServer) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/feed/", f.port)
}

// Run serves the feed until ctx is cancelled. In-flight responses drain or
// error out when the listener closes.
func (f *FeedServer) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get("/feed/", f.serveFeed)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.port))
	if err != nil {
		return fmt.Errorf("feed listen: %w", err)
	}

	srv := &http.Server{Handler: r}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	f.log.Info("feed listening", slog.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (f *FeedServer) serveFeed(w http.ResponseWriter, r *http.Request) {
	path := f.lib.CurrentPath()
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		f.log.Warn("feed open failed", slog.String("path", path), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, feedChunkSize)
	for {
		// A track change invalidates this response; close it so the encoder
		// reconnects against the new current file.
		if f.lib.CurrentPath() != path {
			f.log.Debug("feed track changed, closing response", slog.String("path", path))
			return
		}

		n, err := file.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client resets are routine when the encoder is killed.
				f.log.Debug("feed write ended", slog.String("error", werr.Error()))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				f.log.Debug("feed read ended", slog.String("error", err.Error()))
			}
			return
		}

		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}
