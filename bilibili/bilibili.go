// Package bilibili adapts the Bilibili Live room API to the platform
// adapter contract. Room ids double as both the creator's durable key and
// the session id: a room has at most one live session at a time, and
// getInfoByRoom answers for both the session check and the idle probe.
package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/telescope-bot/telescope/platform"
	"github.com/telescope-bot/telescope/telegram"
)

const (
	defaultBaseURL = "https://api.live.bilibili.com"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
)

var roomPathRe = regexp.MustCompile(`^/(\d+)/?$`)

// Client implements platform.Adapter for Bilibili Live.
type Client struct {
	BaseURL    string // overridable for tests
	HTTPClient *http.Client
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) Platform() platform.Platform {
	return platform.BilibiliLive
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

type infoByRoomResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		RoomInfo struct {
			RoomID        int64  `json:"room_id"`
			UID           int64  `json:"uid"`
			Title         string `json:"title"`
			Cover         string `json:"cover"`
			LiveStartTime int64  `json:"live_start_time"`
			LiveStatus    int    `json:"live_status"`
		} `json:"room_info"`
		AnchorInfo struct {
			BaseInfo struct {
				Uname string `json:"uname"`
			} `json:"base_info"`
		} `json:"anchor_info"`
	} `json:"data"`
}

func (c *Client) getInfoByRoom(ctx context.Context, roomID string) (*infoByRoomResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/xlive/web-room/v1/index/getInfoByRoom", nil)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("room_id", roomID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("getInfoByRoom: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getInfoByRoom: unexpected status %s", resp.Status)
	}
	var body infoByRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("getInfoByRoom: decode response: %w", err)
	}
	return &body, nil
}

// GetStatus fetches the room's current state. The session id is the room id.
func (c *Client) GetStatus(ctx context.Context, sessionID string, _ string) (*platform.Snapshot, error) {
	body, err := c.getInfoByRoom(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if body.Code != 0 {
		// Nonexistent or hidden room; recognizable not-found, not a failure.
		slog.Debug("bilibili: room lookup rejected", slog.String("room", sessionID), slog.Int("code", body.Code), slog.String("message", body.Message))
		return nil, nil
	}
	info := body.Data.RoomInfo
	if info.RoomID == 0 {
		return nil, fmt.Errorf("getInfoByRoom: payload missing room_info for room %s", sessionID)
	}
	roomID := strconv.FormatInt(info.RoomID, 10)
	uid := strconv.FormatInt(info.UID, 10)
	snap := &platform.Snapshot{
		SessionID: roomID,
		URL:       "https://live.bilibili.com/" + roomID,
		Title:     info.Title,
		Creator: platform.Creator{
			Platform: platform.BilibiliLive,
			ID:       roomID,
			Name:     body.Data.AnchorInfo.BaseInfo.Uname,
		},
		Attach:       platform.Attachment{Kind: platform.AttachmentPhoto, URL: info.Cover},
		StartedAt:    time.Unix(info.LiveStartTime, 0).UTC(),
		AuthorName:   body.Data.AnchorInfo.BaseInfo.Uname,
		ProfileURL:   "https://space.bilibili.com/" + uid,
		ProfileLabel: uid,
	}
	switch info.LiveStatus {
	case 0:
		snap.State = platform.StateEnded
	case 1:
		snap.State = platform.StateRunning
	default:
		snap.State = platform.StateUnknown
		snap.RawState = strconv.Itoa(info.LiveStatus)
	}
	return snap, nil
}

// GetStatusForTracked probes idle rooms one by one; Bilibili has no bulk
// live endpoint. Only Running snapshots are returned, and a failed room
// is logged and skipped.
func (c *Client) GetStatusForTracked(ctx context.Context, creators []platform.Creator) []platform.Snapshot {
	var lives []platform.Snapshot
	for _, creator := range creators {
		snap, err := c.GetStatus(ctx, creator.ID, "")
		if err != nil {
			slog.Warn("bilibili: room probe failed", slog.String("room", creator.ID), slog.Any("err", err))
			continue
		}
		if snap == nil || snap.State != platform.StateRunning {
			continue
		}
		lives = append(lives, *snap)
	}
	return lives
}

// ResolveCreator accepts a live.bilibili.com room path and resolves the
// anchor's display name.
func (c *Client) ResolveCreator(ctx context.Context, path string) (*platform.Creator, error) {
	m := roomPathRe.FindStringSubmatch(path)
	if m == nil {
		return nil, fmt.Errorf("invalid room path %q", path)
	}
	snap, err := c.GetStatus(ctx, m[1], "")
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("room %s not found", m[1])
	}
	creator := snap.Creator
	return &creator, nil
}

// FormatMessage renders the notification text for a room snapshot.
func (c *Client) FormatMessage(s *platform.Snapshot) string {
	name := telegram.Bold(telegram.Escape(s.AuthorName))
	profile := telegram.Link(s.ProfileURL, telegram.Escape(s.ProfileLabel))
	switch s.State {
	case platform.StateRunning:
		return fmt.Sprintf("%s \\(%s\\)'s Bilibili Live started\n%s",
			name, profile, telegram.Link(s.URL, telegram.Escape(s.Title)))
	case platform.StateEnded, platform.StateTimedOut:
		return fmt.Sprintf("%s \\(%s\\)'s Bilibili Live ended", name, profile)
	default:
		return telegram.Escape(fmt.Sprintf("Unknown live state: %s", s.RawState))
	}
}
