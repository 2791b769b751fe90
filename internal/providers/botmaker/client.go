// Package botmaker is a thin client for the WhatsApp Business Solution
// Provider. One send is one HTTP call; non-2xx responses and transport
// errors surface as errors for the caller to contain per recipient.
package botmaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	Token      string
	BaseURL    string
	Campaign   string
	SenderName string
	HTTP       *http.Client
}

type Contact struct {
	ContactID string            `json:"contactId"`
	Variables map[string]string `json:"variables,omitempty"`
}

type SendRequest struct {
	ChannelID    string
	TemplateName string
	Contacts     []Contact
}

type sendPayload struct {
	Campaign       string    `json:"campaign,omitempty"`
	ChannelID      string    `json:"channelId,omitempty"`
	Name           string    `json:"name,omitempty"`
	IntentIDOrName string    `json:"intentIdOrName"`
	Contacts       []Contact `json:"contacts"`
}

type SendResponse struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

type MessageStatus struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// SendTemplate pushes one templated notification and returns the provider
// message id used later for webhook correlation.
func (c *Client) SendTemplate(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	payload := sendPayload{
		Campaign:       c.Campaign,
		ChannelID:      req.ChannelID,
		Name:           c.SenderName,
		IntentIDOrName: req.TemplateName,
		Contacts:       req.Contacts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL()+"/notifications", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("access-token", c.Token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// Botmaker returns 201 for created; treat any 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, errors.New(out.Message)
		}
		return out, resp.StatusCode, b, errors.New("botmaker send failed")
	}
	return out, resp.StatusCode, b, nil
}

// SendTemplateTo is the single-recipient form used for click-triggered
// replies, where no campaign channel is involved.
func (c *Client) SendTemplateTo(ctx context.Context, to, templateName string, variables map[string]string) (SendResponse, int, []byte, error) {
	return c.SendTemplate(ctx, SendRequest{
		TemplateName: templateName,
		Contacts:     []Contact{{ContactID: to, Variables: variables}},
	})
}

// GetMessageStatus is the polling fallback; webhooks are the primary path.
func (c *Client) GetMessageStatus(ctx context.Context, messageID string) (MessageStatus, error) {
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL()+"/messages/"+messageID, nil)
	httpReq.Header.Set("access-token", c.Token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return MessageStatus{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return MessageStatus{}, errors.New("botmaker status query failed")
	}
	var out MessageStatus
	if err := json.Unmarshal(b, &out); err != nil {
		return MessageStatus{}, err
	}
	return out, nil
}

func (c *Client) baseURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "https://api.botmaker.com/v2.0"
	}
	return base
}

// ShouldRetry classifies transient errors worth another attempt.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		if httpStatus == 0 {
			return false
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
