/**
 * @description
 * This package provides a client for the chat platform's delivery API. The
 * service uses it for one thing only: pushing a message to a specific
 * identity. Delivery can legitimately fail when the identity has never
 * initiated contact with the bot; callers detect that case with
 * IsUnreachable and swallow it.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, strings, time: Standard Go libraries.
 */

package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the chat platform bot API.
type Client struct {
	BaseURL    string
	BotToken   string
	HTTPClient *http.Client
}

// NewClient creates a new chat delivery client.
func NewClient(baseURL, botToken string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BotToken: botToken,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// DeliveryError is a rejection reported by the chat platform.
type DeliveryError struct {
	StatusCode  int
	Description string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("chat delivery failed (%d): %s", e.StatusCode, e.Description)
}

// IsUnreachable reports whether the failure means the identity cannot be
// messaged at all (never started a conversation, or blocked the bot). These
// failures are expected and must never propagate past the caller.
func IsUnreachable(err error) bool {
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		return false
	}
	if deliveryErr.StatusCode == http.StatusForbidden {
		return true
	}
	return strings.Contains(strings.ToLower(deliveryErr.Description), "can't initiate conversation")
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage delivers a message to an identity's private conversation.
func (c *Client) SendMessage(ctx context.Context, identity int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:    identity,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.BaseURL, c.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read send response: %w", err)
	}

	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &DeliveryError{StatusCode: resp.StatusCode, Description: string(body)}
		}
		return fmt.Errorf("decode send response: %w", err)
	}
	if !decoded.OK {
		return &DeliveryError{StatusCode: resp.StatusCode, Description: decoded.Description}
	}
	return nil
}
