package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"duepoint/internal/chase"
	"duepoint/internal/types"
)

// sendGridAPIBase is the default SendGrid API base URL. Overridable in
// tests via SendGridClientConfig.BaseURL.
const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig configures a SendGridClient.
type SendGridClientConfig struct {
	APIKey   string
	FromAddr string
	FromName string
	BaseURL  string // override for testing
	Logger   *slog.Logger
}

// SendGridClient sends chase emails through the SendGrid v3 Mail Send API.
// Bodies are rendered locally, so the payload carries inline content rather
// than dynamic template references. All requests go through BaseClient for
// circuit breaking and retries. It implements chase.EmailSender.
type SendGridClient struct {
	base     *BaseClient
	apiKey   string
	fromAddr string
	fromName string
	baseURL  string
	logger   *slog.Logger
}

var _ chase.EmailSender = (*SendGridClient)(nil)

// NewSendGridClient creates a SendGridClient with its own BaseClient.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig) *SendGridClient {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy())
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase creates a SendGridClient around an existing
// BaseClient. Tests use this to disable retries or inject a fake sleep.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridClient{
		base:     base,
		apiKey:   cfg.APIKey,
		fromAddr: cfg.FromAddr,
		fromName: cfg.FromName,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

// sendGridMailPayload is the SendGrid v3 mail/send request body with inline
// content.
type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send transmits the message and returns SendGrid's message id from the
// X-Message-Id response header. SendGrid answers 202 Accepted on success.
func (s *SendGridClient) Send(ctx context.Context, msg types.OutboundEmail) (string, error) {
	fromName := msg.FromDisplayName
	if fromName == "" {
		fromName = s.fromName
	}

	payload := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: msg.To}}},
		},
		From:    sendGridAddress{Email: s.fromAddr, Name: fromName},
		Subject: msg.Subject,
		Content: []sendGridContent{
			{Type: "text/plain", Value: msg.Text},
			{Type: "text/html", Value: msg.HTML},
		},
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &sendGridAddress{Email: msg.ReplyTo}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to marshal SendGrid mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return "", err
		}
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			"SendGrid request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", s.errorFromResponse(resp)
}

// sendGridErrorResponse is the JSON error body SendGrid returns.
type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (s *SendGridClient) errorFromResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := string(body)
	if readErr != nil {
		message = "response body unreadable"
	}
	var sgErr sendGridErrorResponse
	if json.Unmarshal(body, &sgErr) == nil && len(sgErr.Errors) > 0 {
		message = sgErr.Errors[0].Message
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("SendGrid error (%d): %s", resp.StatusCode, message), nil)
}
