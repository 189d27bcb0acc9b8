package glasshouse

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// ViewerConfig holds the settings needed to construct a Viewer.
type ViewerConfig struct {
	// BaseURL is the root URL of the Glasshouse server.
	BaseURL string

	// ViewerID identifies this viewer for presence. If zero, one is
	// generated; pass a stable ID to keep identity across reconnects.
	ViewerID uuid.UUID

	// Name is the display name announced on join. Optional.
	Name string

	// HTTPClient is an optional custom HTTP client for replay reads.
	HTTPClient *http.Client

	// Dialer is an optional custom WebSocket dialer.
	Dialer *websocket.Dialer

	// Timeout applies to individual replay requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Viewer is the watch-side client: replay reads over HTTP and the live
// channel over WebSocket. Its Tail, Since, Subscribe, and GetSession methods
// satisfy the connection manager's Log, Channel, and SessionDirectory
// interfaces, so a Viewer plugs straight into one.
type Viewer struct {
	baseURL  string
	viewerID uuid.UUID
	name     string
	client   *http.Client
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn // active live connection, nil when not subscribed
	wmu  sync.Mutex      // serializes socket writes
}

func (v *Viewer) writeJSON(conn *websocket.Conn, msg model.ViewerMessage) error {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	return conn.WriteJSON(msg)
}

// NewViewer creates a Viewer from the given configuration.
func NewViewer(cfg ViewerConfig) (*Viewer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("glasshouse: BaseURL is required")
	}
	if cfg.ViewerID == uuid.Nil {
		cfg.ViewerID = uuid.New()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Viewer{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		viewerID: cfg.ViewerID,
		name:     cfg.Name,
		client:   httpClient,
		dialer:   dialer,
	}, nil
}

// ViewerID returns this viewer's identity.
func (v *Viewer) ViewerID() uuid.UUID { return v.viewerID }

// Tail returns up to limit of the most recent events, oldest-first.
func (v *Viewer) Tail(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.Event, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return v.fetchEvents(ctx, sessionID, params)
}

// Since returns events strictly after cursor, oldest-first.
func (v *Viewer) Since(ctx context.Context, sessionID uuid.UUID, cursor int64, limit int) ([]model.Event, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(cursor, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return v.fetchEvents(ctx, sessionID, params)
}

func (v *Viewer) fetchEvents(ctx context.Context, sessionID uuid.UUID, params url.Values) ([]model.Event, error) {
	u := v.baseURL + "/v1/sessions/" + sessionID.String() + "/events"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var resp model.EventsResponse
	if err := getJSON(ctx, v.client, u, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetSession retrieves session metadata.
func (v *Viewer) GetSession(ctx context.Context, sessionID uuid.UUID) (model.Session, error) {
	var resp model.Session
	u := v.baseURL + "/v1/sessions/" + sessionID.String()
	if err := getJSON(ctx, v.client, u, &resp); err != nil {
		return model.Session{}, err
	}
	return resp, nil
}

// Subscribe opens the live channel for a session and announces this viewer.
// Frames arrive on the returned channel until the transport drops or cancel
// is called; cancel sends a leave message, closes the socket, and is safe to
// call more than once.
func (v *Viewer) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan model.Frame, func(), error) {
	wsURL, err := v.liveURL(sessionID)
	if err != nil {
		return nil, nil, err
	}

	conn, resp, err := v.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, nil, &Error{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: "websocket dial failed"}
		}
		return nil, nil, fmt.Errorf("glasshouse: dial live channel: %w", err)
	}

	if err := v.writeJSON(conn, model.ViewerMessage{
		Type:     "join",
		ViewerID: v.viewerID,
		Name:     v.name,
	}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("glasshouse: send join: %w", err)
	}

	v.mu.Lock()
	v.conn = conn
	v.mu.Unlock()

	frames := make(chan model.Frame, 64)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = v.writeJSON(conn, model.ViewerMessage{Type: "leave", ViewerID: v.viewerID})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	go func() {
		defer close(frames)
		defer cancel()
		defer func() {
			v.mu.Lock()
			if v.conn == conn {
				v.conn = nil
			}
			v.mu.Unlock()
		}()

		for {
			var frame model.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, cancel, nil
}

// React sends an emoji reaction on the active live connection.
// Returns an error when not subscribed.
func (v *Viewer) React(emoji string) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("glasshouse: not subscribed")
	}
	return v.writeJSON(conn, model.ViewerMessage{
		Type:     "reaction",
		ViewerID: v.viewerID,
		Emoji:    emoji,
	})
}

func (v *Viewer) liveURL(sessionID uuid.UUID) (string, error) {
	u, err := url.Parse(v.baseURL + "/v1/sessions/" + sessionID.String() + "/live")
	if err != nil {
		return "", fmt.Errorf("glasshouse: parse live url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("glasshouse: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
