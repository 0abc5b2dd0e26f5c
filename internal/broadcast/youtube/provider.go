// Package youtube is the YouTube Live implementation of the broadcast
// provider: OAuth refresh-token auth, broadcast/stream lifecycle, and
// post-print video publishing.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"printcast/internal/broadcast"
)

const (
	defaultTokenURL  = "https://oauth2.googleapis.com/token"
	defaultAPIBase   = "https://www.googleapis.com/youtube/v3"
	defaultUploadURL = "https://www.googleapis.com/upload/youtube/v3"

	ingestionPollInterval = 5 * time.Second
	tokenExpirySkew       = 60 * time.Second
)

// Config holds credentials and endpoints. The URLs are overridable so tests
// can point the provider at a local server.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenPath    string

	// AllowTokenFallback permits using the stored access token as-is when
	// the refresh endpoint rejects the client with unauthorized_client.
	// Off by default; a last-resort mitigation, not normal operation.
	AllowTokenFallback bool

	TokenURL  string
	APIBase   string
	UploadURL string

	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}
	if c.APIBase == "" {
		c.APIBase = defaultAPIBase
	}
	if c.UploadURL == "" {
		c.UploadURL = defaultUploadURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}

// Provider implements broadcast.Provider against the YouTube Data API.
type Provider struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	// broadcast id → bound stream id, filled by CreateBroadcast so the
	// ingestion wait can poll the stream without an extra lookup.
	streams map[string]string
}

var _ broadcast.Provider = (*Provider)(nil)

// New builds a provider. It does not touch the network; Authenticate does.
func New(cfg Config, log *slog.Logger) *Provider {
	cfg.applyDefaults()
	return &Provider{cfg: cfg, log: log, streams: make(map[string]string)}
}

// Authenticate refreshes the access token if the cached one is missing or
// near expiry. Token values are never logged.
func (p *Provider) Authenticate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.expiresAt.Add(-tokenExpirySkew)) {
		return nil
	}

	tok, err := LoadToken(p.cfg.TokenPath)
	if err != nil {
		return &broadcast.RemoteError{Kind: broadcast.KindAuthFailed,
			Message: fmt.Sprintf("load token: %v", err)}
	}
	if tok.RefreshToken == "" {
		return &broadcast.RemoteError{Kind: broadcast.KindAuthFailed,
			Message: "token file has no refresh token"}
	}

	form := url.Values{
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
		"refresh_token": {tok.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return &broadcast.RemoteError{Kind: broadcast.KindRetryable,
			Message: fmt.Sprintf("token endpoint: %v", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		if strings.Contains(string(body), "unauthorized_client") &&
			p.cfg.AllowTokenFallback && tok.AccessToken != "" {
			p.log.Warn("token refresh rejected, falling back to stored access token")
			p.accessToken = tok.AccessToken
			p.expiresAt = time.Now().Add(5 * time.Minute)
			return nil
		}
		return classify(resp.StatusCode, body)
	}

	var refreshed Token
	if err := json.Unmarshal(body, &refreshed); err != nil {
		return &broadcast.RemoteError{Kind: broadcast.KindAuthFailed,
			Message: fmt.Sprintf("parse token response: %v", err)}
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tok.RefreshToken
	}
	if err := SaveToken(p.cfg.TokenPath, refreshed); err != nil {
		p.log.Warn("token persist failed", slog.String("error", err.Error()))
	}

	p.accessToken = refreshed.AccessToken
	p.expiresAt = time.Now().Add(time.Duration(refreshed.ExpiresIn) * time.Second)
	p.log.Info("access token refreshed",
		slog.Int("expires_in_seconds", refreshed.ExpiresIn))
	return nil
}

func (p *Provider) token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken
}

// classify maps an API response to the retry taxonomy.
func classify(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden && strings.Contains(msg, "invalid_grant"):
		return &broadcast.RemoteError{Kind: broadcast.KindAuthFailed, Status: status, Message: msg}
	case status >= 500:
		return &broadcast.RemoteError{Kind: broadcast.KindRetryable, Status: status, Message: msg}
	default:
		return &broadcast.RemoteError{Kind: broadcast.KindFatal, Status: status, Message: msg}
	}
}

// doJSON performs an authenticated request with an optional JSON body and
// decodes a JSON response into out (when out is non-nil).
func (p *Provider) doJSON(ctx context.Context, method, rawURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return &broadcast.RemoteError{Kind: broadcast.KindRetryable,
			Message: err.Error()}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if strings.Contains(string(data), "redundantTransition") {
			return broadcast.ErrRedundantTransition
		}
		return classify(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateBroadcast inserts a broadcast and a fresh ingestion stream and binds
// them. The returned stream key is never logged.
func (p *Provider) CreateBroadcast(ctx context.Context, title, description, privacy, categoryID string) (broadcast.Info, error) {
	var bRes struct {
		ID string `json:"id"`
	}
	bReq := map[string]any{
		"snippet": map[string]any{
			"title":              title,
			"description":        description,
			"scheduledStartTime": time.Now().UTC().Format(time.RFC3339),
		},
		"status": map[string]any{
			"privacyStatus":           privacy,
			"selfDeclaredMadeForKids": false,
		},
		"contentDetails": map[string]any{
			"enableAutoStart": false,
			"enableAutoStop":  false,
		},
	}
	err := p.doJSON(ctx, http.MethodPost,
		p.cfg.APIBase+"/liveBroadcasts?part=snippet,status,contentDetails", bReq, &bRes)
	if err != nil {
		return broadcast.Info{}, fmt.Errorf("insert broadcast: %w", err)
	}

	var sRes struct {
		ID  string `json:"id"`
		CDN struct {
			IngestionInfo struct {
				IngestionAddress string `json:"ingestionAddress"`
				StreamName       string `json:"streamName"`
			} `json:"ingestionInfo"`
		} `json:"cdn"`
	}
	sReq := map[string]any{
		"snippet": map[string]any{"title": title},
		"cdn": map[string]any{
			"ingestionType": "rtmp",
			"resolution":    "variable",
			"frameRate":     "variable",
		},
	}
	err = p.doJSON(ctx, http.MethodPost,
		p.cfg.APIBase+"/liveStreams?part=snippet,cdn", sReq, &sRes)
	if err != nil {
		return broadcast.Info{}, fmt.Errorf("insert stream: %w", err)
	}

	bindURL := fmt.Sprintf("%s/liveBroadcasts/bind?id=%s&streamId=%s&part=id",
		p.cfg.APIBase, url.QueryEscape(bRes.ID), url.QueryEscape(sRes.ID))
	if err := p.doJSON(ctx, http.MethodPost, bindURL, nil, nil); err != nil {
		return broadcast.Info{}, fmt.Errorf("bind stream: %w", err)
	}

	if categoryID != "" {
		vReq := map[string]any{
			"id": bRes.ID,
			"snippet": map[string]any{
				"title":      title,
				"categoryId": categoryID,
			},
		}
		if err := p.doJSON(ctx, http.MethodPut,
			p.cfg.APIBase+"/videos?part=snippet", vReq, nil); err != nil {
			p.log.Warn("category update failed",
				slog.String("broadcast_id", bRes.ID),
				slog.String("error", err.Error()))
		}
	}

	p.mu.Lock()
	p.streams[bRes.ID] = sRes.ID
	p.mu.Unlock()

	p.log.Info("broadcast created", slog.String("broadcast_id", bRes.ID))
	return broadcast.Info{
		BroadcastID: bRes.ID,
		RTMPURL:     sRes.CDN.IngestionInfo.IngestionAddress,
		StreamKey:   sRes.CDN.IngestionInfo.StreamName,
	}, nil
}

// GetBroadcastPrivacy returns the privacy status of an existing broadcast.
func (p *Provider) GetBroadcastPrivacy(ctx context.Context, broadcastID string) (string, error) {
	var res struct {
		Items []struct {
			Status struct {
				PrivacyStatus string `json:"privacyStatus"`
			} `json:"status"`
		} `json:"items"`
	}
	u := p.cfg.APIBase + "/liveBroadcasts?part=status&id=" + url.QueryEscape(broadcastID)
	if err := p.doJSON(ctx, http.MethodGet, u, nil, &res); err != nil {
		return "", err
	}
	if len(res.Items) == 0 {
		return "", &broadcast.RemoteError{Kind: broadcast.KindFatal,
			Status: http.StatusNotFound, Message: "broadcast not found"}
	}
	return res.Items[0].Status.PrivacyStatus, nil
}

// streamIDFor resolves the bound stream, consulting the cache first.
func (p *Provider) streamIDFor(ctx context.Context, broadcastID string) (string, error) {
	p.mu.Lock()
	id, ok := p.streams[broadcastID]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	var res struct {
		Items []struct {
			ContentDetails struct {
				BoundStreamID string `json:"boundStreamId"`
			} `json:"contentDetails"`
		} `json:"items"`
	}
	u := p.cfg.APIBase + "/liveBroadcasts?part=contentDetails&id=" + url.QueryEscape(broadcastID)
	if err := p.doJSON(ctx, http.MethodGet, u, nil, &res); err != nil {
		return "", err
	}
	if len(res.Items) == 0 || res.Items[0].ContentDetails.BoundStreamID == "" {
		return "", &broadcast.RemoteError{Kind: broadcast.KindFatal,
			Status: http.StatusNotFound, Message: "no bound stream"}
	}
	id = res.Items[0].ContentDetails.BoundStreamID
	p.mu.Lock()
	p.streams[broadcastID] = id
	p.mu.Unlock()
	return id, nil
}

// WaitForIngestion polls the bound stream until it reports active. An
// elapsed wait returns false with a KindTimeout error, which the readiness
// loop treats as another retry cycle.
func (p *Provider) WaitForIngestion(ctx context.Context, broadcastID string, timeout time.Duration) (bool, error) {
	streamID, err := p.streamIDFor(ctx, broadcastID)
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(timeout)
	for {
		var res struct {
			Items []struct {
				Status struct {
					StreamStatus string `json:"streamStatus"`
				} `json:"status"`
			} `json:"items"`
		}
		u := p.cfg.APIBase + "/liveStreams?part=status&id=" + url.QueryEscape(streamID)
		if err := p.doJSON(ctx, http.MethodGet, u, nil, &res); err != nil {
			return false, err
		}
		if len(res.Items) > 0 && res.Items[0].Status.StreamStatus == "active" {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, &broadcast.RemoteError{Kind: broadcast.KindTimeout,
				Message: "ingestion did not become active within the wait window"}
		}
		t := time.NewTimer(ingestionPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Provider) transition(ctx context.Context, broadcastID, status string) error {
	u := fmt.Sprintf("%s/liveBroadcasts/transition?broadcastStatus=%s&id=%s&part=status",
		p.cfg.APIBase, status, url.QueryEscape(broadcastID))
	return p.doJSON(ctx, http.MethodPost, u, nil, nil)
}

// TransitionToLive moves the broadcast to live. A redundantTransition
// response surfaces as ErrRedundantTransition, which callers treat as done.
func (p *Provider) TransitionToLive(ctx context.Context, broadcastID string) error {
	return p.transition(ctx, broadcastID, "live")
}

// EndBroadcast completes the broadcast. Already-complete is not an error.
func (p *Provider) EndBroadcast(ctx context.Context, broadcastID string) error {
	err := p.transition(ctx, broadcastID, "complete")
	if errors.Is(err, broadcast.ErrRedundantTransition) {
		return nil
	}
	return err
}

// UploadVideo uploads a file with the resumable protocol: initiate, then a
// single PUT of the whole file.
func (p *Provider) UploadVideo(ctx context.Context, path, title string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open video: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat video: %w", err)
	}

	meta := map[string]any{
		"snippet": map[string]any{"title": title},
		"status":  map[string]any{"privacyStatus": "unlisted"},
	}
	metaBody, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	initURL := p.cfg.UploadURL + "/videos?uploadType=resumable&part=snippet,status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, initURL, bytes.NewReader(metaBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.token())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Type", "video/mp4")
	req.Header.Set("X-Upload-Content-Length", fmt.Sprintf("%d", st.Size()))

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &broadcast.RemoteError{Kind: broadcast.KindRetryable, Message: err.Error()}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classify(resp.StatusCode, nil)
	}
	session := resp.Header.Get("Location")
	if session == "" {
		return "", &broadcast.RemoteError{Kind: broadcast.KindFatal,
			Message: "upload initiation returned no session URI"}
	}

	up, err := http.NewRequestWithContext(ctx, http.MethodPut, session, f)
	if err != nil {
		return "", err
	}
	up.ContentLength = st.Size()
	up.Header.Set("Authorization", "Bearer "+p.token())
	up.Header.Set("Content-Type", "video/mp4")

	upResp, err := p.cfg.HTTPClient.Do(up)
	if err != nil {
		return "", &broadcast.RemoteError{Kind: broadcast.KindRetryable, Message: err.Error()}
	}
	defer upResp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(upResp.Body, 1<<20))
	if upResp.StatusCode < 200 || upResp.StatusCode >= 300 {
		return "", classify(upResp.StatusCode, data)
	}

	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	p.log.Info("video uploaded", slog.String("video_id", res.ID),
		slog.Int64("bytes", st.Size()))
	return res.ID, nil
}

// SetThumbnail sets a video's thumbnail from raw JPEG bytes.
func (p *Provider) SetThumbnail(ctx context.Context, videoID string, image []byte) error {
	u := p.cfg.UploadURL + "/thumbnails/set?videoId=" + url.QueryEscape(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(image))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token())
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return &broadcast.RemoteError{Kind: broadcast.KindRetryable, Message: err.Error()}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp.StatusCode, data)
	}
	return nil
}

// EnsurePlaylist returns the id of the named playlist, creating it when no
// existing playlist matches.
func (p *Provider) EnsurePlaylist(ctx context.Context, name, privacy string) (string, error) {
	var res struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	u := p.cfg.APIBase + "/playlists?part=snippet&mine=true&maxResults=50"
	if err := p.doJSON(ctx, http.MethodGet, u, nil, &res); err != nil {
		return "", err
	}
	for _, it := range res.Items {
		if it.Snippet.Title == name {
			return it.ID, nil
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	req := map[string]any{
		"snippet": map[string]any{"title": name},
		"status":  map[string]any{"privacyStatus": privacy},
	}
	err := p.doJSON(ctx, http.MethodPost,
		p.cfg.APIBase+"/playlists?part=snippet,status", req, &created)
	if err != nil {
		return "", err
	}
	p.log.Info("playlist created", slog.String("playlist_id", created.ID),
		slog.String("name", name))
	return created.ID, nil
}

// AddToPlaylist appends a video to a playlist.
func (p *Provider) AddToPlaylist(ctx context.Context, playlistID, videoID string) error {
	req := map[string]any{
		"snippet": map[string]any{
			"playlistId": playlistID,
			"resourceId": map[string]any{
				"kind":    "youtube#video",
				"videoId": videoID,
			},
		},
	}
	return p.doJSON(ctx, http.MethodPost,
		p.cfg.APIBase+"/playlistItems?part=snippet", req, nil)
}
