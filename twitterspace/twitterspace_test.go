package twitterspace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/telescope-bot/telescope/platform"
)

func spacePayload(state string) string {
	return fmt.Sprintf(`{
		"data": {"audioSpace": {"metadata": {
			"state": %q,
			"title": "late night talk",
			"media_key": "28_123",
			"started_at": 1700000000000,
			"creator_results": {"result": {
				"rest_id": "12345",
				"legacy": {
					"name": "Jack",
					"screen_name": "jack",
					"profile_image_url_https": "https://example.com/jack.png"
				}
			}}
		}}}
	}`, state)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{AuthToken: "auth", CSRFToken: "csrf", BaseURL: srv.URL}
}

func TestGetStatusRunning(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-csrf-token"); got != "csrf" {
			t.Errorf("x-csrf-token = %q", got)
		}
		if got := r.Header.Get("Cookie"); !strings.Contains(got, "auth_token=auth") || !strings.Contains(got, "ct0=csrf") {
			t.Errorf("cookie = %q", got)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		switch {
		case strings.Contains(r.URL.Path, "/AudioSpaceById"):
			if got := r.URL.Query().Get("variables"); !strings.Contains(got, `"id":"1ABCD"`) {
				t.Errorf("variables = %q", got)
			}
			fmt.Fprint(w, spacePayload("Running"))
		case strings.Contains(r.URL.Path, "/1.1/live_video_stream/status/28_123"):
			fmt.Fprint(w, `{"source": {"location": "https://prod.example.com/dynamic_playlist.m3u8?type=live"}}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
		}
	})

	snap, err := c.GetStatus(context.Background(), "1ABCD", "")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != platform.StateRunning {
		t.Errorf("state = %v, want Running", snap.State)
	}
	if snap.Creator.ID != "12345" || snap.Creator.Name != "jack" {
		t.Errorf("creator = %+v", snap.Creator)
	}
	if snap.AuthorName != "Jack" || snap.ProfileLabel != "@jack" {
		t.Errorf("author = %q label = %q", snap.AuthorName, snap.ProfileLabel)
	}
	if snap.URL != "https://twitter.com/i/spaces/1ABCD" {
		t.Errorf("url = %q", snap.URL)
	}
	if snap.Attach.Kind != platform.AttachmentDocument || snap.Attach.URL != "https://example.com/jack.png" {
		t.Errorf("attachment = %+v", snap.Attach)
	}
	if snap.StreamURL != "https://prod.example.com/master_playlist.m3u8" {
		t.Errorf("stream url = %q", snap.StreamURL)
	}
}

func TestGetStatusEndedSkipsStreamLookup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "live_video_stream") {
			t.Error("stream status fetched for ended space")
		}
		fmt.Fprint(w, spacePayload("Ended"))
	})
	snap, err := c.GetStatus(context.Background(), "1ABCD", "")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != platform.StateEnded || snap.StreamURL != "" {
		t.Errorf("state = %v stream = %q", snap.State, snap.StreamURL)
	}
}

func TestGetStatusUnknownStateKeepsRaw(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, spacePayload("NotStarted"))
	})
	snap, err := c.GetStatus(context.Background(), "1ABCD", "")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != platform.StateUnknown || snap.RawState != "NotStarted" {
		t.Errorf("state = %v raw = %q", snap.State, snap.RawState)
	}
}

func TestGetStatusMissingMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"audioSpace": {}}}`)
	})
	snap, err := c.GetStatus(context.Background(), "1ABCD", "")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap != nil {
		t.Errorf("snapshot = %+v, want nil for missing metadata", snap)
	}
}

func TestGetStatusForTracked(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/fleets/v1/avatar_content"):
			if got := r.URL.Query().Get("user_ids"); got != "12345,67890" {
				t.Errorf("user_ids = %q", got)
			}
			if got := r.URL.Query().Get("only_spaces"); got != "true" {
				t.Errorf("only_spaces = %q", got)
			}
			fmt.Fprint(w, `{"users": {
				"12345": {"spaces": {"live_content": {"audiospace": {"broadcast_id": "1ABCD", "language": "en"}}}},
				"67890": {"spaces": {"live_content": {"audiospace": {}}}}
			}}`)
		case strings.Contains(r.URL.Path, "/AudioSpaceById"):
			fmt.Fprint(w, spacePayload("Running"))
		case strings.Contains(r.URL.Path, "live_video_stream"):
			fmt.Fprint(w, `{"source": {}}`)
		default:
			http.NotFound(w, r)
		}
	})

	creators := []platform.Creator{
		{Platform: platform.TwitterSpace, ID: "12345", Name: "jack"},
		{Platform: platform.TwitterSpace, ID: "67890", Name: "ada"},
	}
	lives := c.GetStatusForTracked(context.Background(), creators)
	if len(lives) != 1 || lives[0].SessionID != "1ABCD" {
		t.Errorf("lives = %+v, want only the broadcasting space", lives)
	}
}

func TestResolveCreator(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/ProfileSpotlightsQuery") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("variables"); !strings.Contains(got, `"screen_name":"jack"`) {
			t.Errorf("variables = %q", got)
		}
		fmt.Fprint(w, `{"data": {"user_result_by_screen_name": {"result": {"rest_id": "12345"}}}}`)
	})

	creator, err := c.ResolveCreator(context.Background(), "/jack")
	if err != nil {
		t.Fatalf("ResolveCreator: %v", err)
	}
	want := platform.Creator{Platform: platform.TwitterSpace, ID: "12345", Name: "jack"}
	if *creator != want {
		t.Errorf("creator = %+v, want %+v", *creator, want)
	}

	for _, path := range []string{"/", "/ab", "/way_too_long_screen_name", "/jack/status/1"} {
		if _, err := c.ResolveCreator(context.Background(), path); err == nil {
			t.Errorf("ResolveCreator(%q) accepted invalid path", path)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	c := NewClient("", "")
	snap := &platform.Snapshot{
		URL:          "https://twitter.com/i/spaces/1ABCD",
		Title:        "late night talk",
		AuthorName:   "Jack",
		ProfileURL:   "https://twitter.com/jack",
		ProfileLabel: "@jack",
		State:        platform.StateRunning,
		StreamURL:    "https://prod.example.com/master_playlist.m3u8",
	}
	got := c.FormatMessage(snap)
	if !strings.Contains(got, "*Jack*") {
		t.Errorf("author not bolded: %q", got)
	}
	if !strings.Contains(got, "Twitter Space started") {
		t.Errorf("missing started wording: %q", got)
	}
	if !strings.Contains(got, "```shell\ntwspace_dl -ei https://twitter.com/i/spaces/1ABCD -f https://prod.example.com/master_playlist.m3u8\n```") {
		t.Errorf("missing download hint: %q", got)
	}

	snap.StreamURL = ""
	if got := c.FormatMessage(snap); strings.Contains(got, "twspace_dl") {
		t.Errorf("download hint present without stream url: %q", got)
	}

	snap.State = platform.StateTimedOut
	if got := c.FormatMessage(snap); !strings.Contains(got, "Twitter Space ended") {
		t.Errorf("missing ended wording: %q", got)
	}
}
