// Package twitterspace adapts the Twitter (X) audio-space web APIs to the
// platform adapter contract. Known sessions are checked over GraphQL
// AudioSpaceById; idle creators are bulk-probed through the fleets
// avatar_content endpoint, chunked at the platform's 100-user limit.
//
// Authentication is the web client's: a public bearer token plus the
// account's auth_token/ct0 cookie pair (the csrf token is repeated in the
// x-csrf-token header).
package twitterspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/telescope-bot/telescope/platform"
	"github.com/telescope-bot/telescope/telegram"
)

const (
	defaultBaseURL = "https://x.com/i/api"

	// The web client's public bearer token.
	bearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

	audioSpaceQueryID        = "xVEzTKg_mLTHubK5ayL0HA"
	profileSpotlightsQueryID = "ZQEuHPrIYlvh1NAyIQHP_w"

	// Feature flags the AudioSpaceById query expects; rejected with an
	// error payload when absent.
	audioSpaceFeatures = `{"spaces_2022_h2_clipping":true,"spaces_2022_h2_spaces_communities":true,"responsive_web_graphql_exclude_directive_enabled":true,"verified_phone_label_enabled":false,"creator_subscriptions_tweet_preview_api_enabled":true,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"tweetypie_unmention_optimization_enabled":true,"responsive_web_edit_tweet_api_enabled":true,"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,"view_counts_everywhere_api_enabled":true,"longform_notetweets_consumption_enabled":true,"responsive_web_twitter_article_tweet_consumption_enabled":false,"tweet_awards_web_tipping_enabled":false,"freedom_of_speech_not_reach_fetch_enabled":true,"standardized_nudges_misinfo":true,"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,"responsive_web_graphql_timeline_navigation_enabled":true,"longform_notetweets_rich_text_read_enabled":true,"longform_notetweets_inline_media_enabled":true,"responsive_web_media_download_video_enabled":false,"responsive_web_enhance_cards_enabled":false}`

	// bulkProbeChunk is the fleets endpoint's user_ids batch limit.
	bulkProbeChunk = 100
)

var usernamePathRe = regexp.MustCompile(`^/(\w{4,15})/?$`)

// Client implements platform.Adapter for Twitter Spaces.
type Client struct {
	AuthToken  string
	CSRFToken  string
	BaseURL    string // overridable for tests
	HTTPClient *http.Client
}

func NewClient(authToken, csrfToken string) *Client {
	return &Client{AuthToken: authToken, CSRFToken: csrfToken}
}

func (c *Client) Platform() platform.Platform {
	return platform.TwitterSpace
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

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	if params != nil {
		req.URL.RawQuery = params.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("x-csrf-token", c.CSRFToken)
	req.Header.Set("Cookie", fmt.Sprintf("auth_token=%s; ct0=%s", c.AuthToken, c.CSRFToken))
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}

type audioSpaceResponse struct {
	Data struct {
		AudioSpace struct {
			Metadata *struct {
				State          string `json:"state"`
				Title          string `json:"title"`
				MediaKey       string `json:"media_key"`
				StartedAt      int64  `json:"started_at"`
				CreatorResults struct {
					Result struct {
						RestID string `json:"rest_id"`
						Legacy struct {
							Name            string `json:"name"`
							ScreenName      string `json:"screen_name"`
							ProfileImageURL string `json:"profile_image_url_https"`
						} `json:"legacy"`
					} `json:"result"`
				} `json:"creator_results"`
			} `json:"metadata"`
		} `json:"audioSpace"`
	} `json:"data"`
}

type streamStatusResponse struct {
	Source struct {
		Location string `json:"location"`
	} `json:"source"`
}

type avatarContentResponse struct {
	Users map[string]struct {
		Spaces struct {
			LiveContent struct {
				AudioSpace struct {
					BroadcastID string `json:"broadcast_id"`
					Language    string `json:"language"`
				} `json:"audiospace"`
			} `json:"live_content"`
		} `json:"spaces"`
	} `json:"users"`
}

type profileSpotlightsResponse struct {
	Data struct {
		UserResultByScreenName struct {
			Result struct {
				RestID string `json:"rest_id"`
			} `json:"result"`
		} `json:"user_result_by_screen_name"`
	} `json:"data"`
}

// GetStatus fetches the current state of a known space.
func (c *Client) GetStatus(ctx context.Context, sessionID string, lang string) (*platform.Snapshot, error) {
	variables, err := json.Marshal(map[string]interface{}{
		"id":              sessionID,
		"isMetatagsQuery": true,
		"withReplays":     true,
		"withListeners":   true,
	})
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("variables", string(variables))
	params.Set("features", audioSpaceFeatures)
	var body audioSpaceResponse
	if err := c.get(ctx, "/graphql/"+audioSpaceQueryID+"/AudioSpaceById", params, &body); err != nil {
		return nil, err
	}
	meta := body.Data.AudioSpace.Metadata
	if meta == nil {
		// The space fell out of the index; no metadata means no session.
		slog.Debug("twitterspace: space has no metadata", slog.String("space", sessionID))
		return nil, nil
	}
	creator := meta.CreatorResults.Result
	if creator.RestID == "" || creator.Legacy.ScreenName == "" {
		return nil, fmt.Errorf("AudioSpaceById: payload missing creator for space %s", sessionID)
	}
	state := platform.ParseLiveState(meta.State)
	snap := &platform.Snapshot{
		SessionID: sessionID,
		URL:       "https://twitter.com/i/spaces/" + sessionID,
		Title:     meta.Title,
		Creator: platform.Creator{
			Platform: platform.TwitterSpace,
			ID:       creator.RestID,
			Name:     creator.Legacy.ScreenName,
		},
		Attach:       platform.Attachment{Kind: platform.AttachmentDocument, URL: creator.Legacy.ProfileImageURL},
		StartedAt:    time.UnixMilli(meta.StartedAt).UTC(),
		State:        state,
		AuthorName:   creator.Legacy.Name,
		ProfileURL:   "https://twitter.com/" + creator.Legacy.ScreenName,
		ProfileLabel: "@" + creator.Legacy.ScreenName,
	}
	if state == platform.StateUnknown {
		snap.RawState = meta.State
	}
	if state == platform.StateRunning && meta.MediaKey != "" {
		snap.StreamURL = c.masterPlaylistURL(ctx, meta.MediaKey)
	}
	return snap, nil
}

// masterPlaylistURL resolves the space's master playlist for the download
// hint. Best effort: failures leave the hint out of the message.
func (c *Client) masterPlaylistURL(ctx context.Context, mediaKey string) string {
	var body streamStatusResponse
	if err := c.get(ctx, "/1.1/live_video_stream/status/"+mediaKey, nil, &body); err != nil {
		slog.Warn("twitterspace: stream status fetch failed", slog.String("media_key", mediaKey), slog.Any("err", err))
		return ""
	}
	if body.Source.Location == "" {
		return ""
	}
	return strings.Replace(body.Source.Location, "dynamic_playlist.m3u8?type=live", "master_playlist.m3u8", 1)
}

// GetStatusForTracked bulk-probes idle creators through the fleets
// endpoint and resolves each discovered broadcast to a full snapshot.
func (c *Client) GetStatusForTracked(ctx context.Context, creators []platform.Creator) []platform.Snapshot {
	var spaces []platform.Snapshot
	for start := 0; start < len(creators); start += bulkProbeChunk {
		end := start + bulkProbeChunk
		if end > len(creators) {
			end = len(creators)
		}
		ids := make([]string, 0, end-start)
		for _, creator := range creators[start:end] {
			ids = append(ids, creator.ID)
		}
		params := url.Values{}
		params.Set("user_ids", strings.Join(ids, ","))
		params.Set("only_spaces", "true")
		var body avatarContentResponse
		if err := c.get(ctx, "/fleets/v1/avatar_content", params, &body); err != nil {
			slog.Warn("twitterspace: bulk probe failed", slog.Int("users", len(ids)), slog.Any("err", err))
			continue
		}
		for userID, user := range body.Users {
			space := user.Spaces.LiveContent.AudioSpace
			if space.BroadcastID == "" {
				continue
			}
			snap, err := c.GetStatus(ctx, space.BroadcastID, space.Language)
			if err != nil {
				slog.Warn("twitterspace: space lookup failed", slog.String("user", userID), slog.String("space", space.BroadcastID), slog.Any("err", err))
				continue
			}
			if snap == nil || snap.State != platform.StateRunning {
				continue
			}
			spaces = append(spaces, *snap)
		}
	}
	return spaces
}

// ResolveCreator accepts a twitter.com profile path and resolves the
// screen name to its durable user id.
func (c *Client) ResolveCreator(ctx context.Context, path string) (*platform.Creator, error) {
	m := usernamePathRe.FindStringSubmatch(path)
	if m == nil {
		return nil, fmt.Errorf("invalid profile path %q", path)
	}
	screenName := m[1]
	variables, err := json.Marshal(map[string]string{"screen_name": screenName})
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("variables", string(variables))
	var body profileSpotlightsResponse
	if err := c.get(ctx, "/graphql/"+profileSpotlightsQueryID+"/ProfileSpotlightsQuery", params, &body); err != nil {
		return nil, err
	}
	restID := body.Data.UserResultByScreenName.Result.RestID
	if restID == "" {
		return nil, fmt.Errorf("user %q not found", screenName)
	}
	return &platform.Creator{Platform: platform.TwitterSpace, ID: restID, Name: screenName}, nil
}

// FormatMessage renders the notification text for a space snapshot.
func (c *Client) FormatMessage(s *platform.Snapshot) string {
	name := telegram.Bold(telegram.Escape(s.AuthorName))
	profile := telegram.Link(s.ProfileURL, telegram.Escape(s.ProfileLabel))
	switch s.State {
	case platform.StateRunning:
		msg := fmt.Sprintf("%s \\(%s\\)'s Twitter Space started\n%s",
			name, profile, telegram.Link(s.URL, telegram.Escape(s.Title)))
		if s.StreamURL != "" {
			msg += "\n" + telegram.CodeBlockWithLang(fmt.Sprintf("twspace_dl -ei %s -f %s", s.URL, s.StreamURL), "shell")
		}
		return msg
	case platform.StateEnded, platform.StateTimedOut:
		return fmt.Sprintf("%s \\(%s\\)'s Twitter Space ended", name, profile)
	default:
		return telegram.Escape(fmt.Sprintf("Unknown live state: %s", s.RawState))
	}
}
