// Package broadcast owns the live-broadcast lifecycle: the provider contract,
// the singleton coordinator that binds a video streamer to a remote broadcast,
// and the reuse manager that validates and recycles stored broadcasts.
package broadcast

import (
	"context"
	"time"
)

// Info identifies a remote broadcast and its ingestion endpoint.
type Info struct {
	BroadcastID string
	RTMPURL     string
	StreamKey   string
}

// Provider is the external live-broadcast service. Implementations classify
// failures via RemoteError so the coordinator can decide what to retry.
type Provider interface {
	// Authenticate refreshes credentials. It must be called before other
	// operations and may be called repeatedly.
	Authenticate(ctx context.Context) error

	// CreateBroadcast creates a broadcast bound to a fresh ingestion stream.
	CreateBroadcast(ctx context.Context, title, description, privacy, categoryID string) (Info, error)

	// GetBroadcastPrivacy returns the privacy status ("public", "unlisted",
	// "private") of an existing broadcast.
	GetBroadcastPrivacy(ctx context.Context, broadcastID string) (string, error)

	// WaitForIngestion polls the bound stream's status until the provider
	// reports it active, or timeout elapses. An elapsed wait returns false,
	// typically with a KindTimeout RemoteError.
	WaitForIngestion(ctx context.Context, broadcastID string, timeout time.Duration) (bool, error)

	// TransitionToLive moves the broadcast to the live state. A response
	// classified as ErrRedundantTransition counts as success.
	TransitionToLive(ctx context.Context, broadcastID string) error

	// EndBroadcast completes the broadcast.
	EndBroadcast(ctx context.Context, broadcastID string) error

	// UploadVideo uploads a finished video file and returns its id.
	UploadVideo(ctx context.Context, path, title string) (string, error)

	// SetThumbnail sets a video's thumbnail from raw image bytes.
	SetThumbnail(ctx context.Context, videoID string, image []byte) error

	// EnsurePlaylist returns the id of the named playlist, creating it if
	// needed.
	EnsurePlaylist(ctx context.Context, name, privacy string) (string, error)

	// AddToPlaylist appends a video to a playlist.
	AddToPlaylist(ctx context.Context, playlistID, videoID string) error
}
