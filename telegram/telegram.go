// Package telegram delivers notifications through the Telegram Bot API.
// Messages are MarkdownV2; started notifications carry the platform
// attachment (photo or document) and the returned message id becomes the
// reply anchor for the session's follow-up message.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/telescope-bot/telescope/platform"
)

const defaultBaseURL = "https://api.telegram.org"

// Client is a minimal Bot API client covering sendMessage, sendPhoto and
// sendDocument.
type Client struct {
	Token      string
	BaseURL    string // overridable for tests
	HTTPClient *http.Client
}

func NewClient(token string) *Client {
	return &Client{Token: token}
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

type replyParameters struct {
	MessageID int64 `json:"message_id"`
}

type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

type sendRequest struct {
	ChatID             string              `json:"chat_id"`
	Text               string              `json:"text,omitempty"`
	Caption            string              `json:"caption,omitempty"`
	Photo              string              `json:"photo,omitempty"`
	Document           string              `json:"document,omitempty"`
	ParseMode          string              `json:"parse_mode"`
	LinkPreviewOptions *linkPreviewOptions `json:"link_preview_options,omitempty"`
	ReplyParameters    *replyParameters    `json:"reply_parameters,omitempty"`
}

type sendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// SendNew delivers a fresh notification, routing through sendPhoto or
// sendDocument when an attachment is present. Returns the message id used
// as the reply anchor.
func (c *Client) SendNew(ctx context.Context, recipient, text string, att platform.Attachment) (int64, error) {
	req := sendRequest{ChatID: recipient, ParseMode: "MarkdownV2"}
	method := "sendMessage"
	switch att.Kind {
	case platform.AttachmentPhoto:
		method = "sendPhoto"
		req.Photo = att.URL
		req.Caption = text
	case platform.AttachmentDocument:
		method = "sendDocument"
		req.Document = att.URL
		req.Caption = text
	default:
		req.Text = text
		req.LinkPreviewOptions = &linkPreviewOptions{IsDisabled: true}
	}
	return c.call(ctx, method, req)
}

// SendReply delivers a follow-up message threaded onto a previous
// notification. A zero replyTo sends an unthreaded message.
func (c *Client) SendReply(ctx context.Context, recipient, text string, replyTo int64) (int64, error) {
	req := sendRequest{
		ChatID:             recipient,
		Text:               text,
		ParseMode:          "MarkdownV2",
		LinkPreviewOptions: &linkPreviewOptions{IsDisabled: true},
	}
	if replyTo != 0 {
		req.ReplyParameters = &replyParameters{MessageID: replyTo}
	}
	return c.call(ctx, "sendMessage", req)
}

func (c *Client) call(ctx context.Context, method string, payload sendRequest) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s request: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.base(), c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !out.OK {
		if out.Description == "" {
			out.Description = resp.Status
		}
		return 0, fmt.Errorf("%s: %s", method, out.Description)
	}
	return out.Result.MessageID, nil
}
