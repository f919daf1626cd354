package gmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/talentmesh/mailsync-worker/internal/guard"
	"github.com/talentmesh/mailsync-worker/internal/service"
)

const (
	defaultCallTimeout = 30 * time.Second

	// One shared ceiling for every worker in this process; the upstream quota
	// is per project, not per mailbox.
	requestGuardKey = "gmail_api"
)

type Client struct {
	clientID     string
	clientSecret string
	callTimeout  time.Duration
	requests     *guard.Counter
	requestLimit int
}

// NewClient creates a Gmail API client. requestLimit bounds the number of
// upstream calls this process makes per requestWindow across all workers.
func NewClient(clientID, clientSecret string, requestLimit int, requestWindow time.Duration) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		callTimeout:  defaultCallTimeout,
		requests:     guard.NewCounter(requestWindow),
		requestLimit: requestLimit,
	}
}

// ListPage fetches one page of message references (IDs only, no bodies).
func (c *Client) ListPage(ctx context.Context, accessToken, query, pageToken string, pageSize int) (*service.Page, error) {
	if !c.requests.Allow(requestGuardKey, c.requestLimit) {
		return nil, fmt.Errorf("%w: process request ceiling reached", service.ErrRateLimited)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	svc, err := c.newService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	listCall := svc.Users.Messages.List("me").Q(query).MaxResults(int64(pageSize))
	if pageToken != "" {
		listCall = listCall.PageToken(pageToken)
	}

	resp, err := listCall.Context(ctx).Do()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list messages: %w", err))
	}

	items := make([]service.ItemRef, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		items = append(items, service.ItemRef{MessageID: msg.Id})
	}

	return &service.Page{
		Items:         items,
		NextPageToken: resp.NextPageToken,
	}, nil
}

// GetItem fetches one message's metadata headers.
func (c *Client) GetItem(ctx context.Context, accessToken, messageID string) (*service.Item, error) {
	if !c.requests.Allow(requestGuardKey, c.requestLimit) {
		return nil, fmt.Errorf("%w: process request ceiling reached", service.ErrRateLimited)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	svc, err := c.newService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", messageID).
		Format("metadata").
		MetadataHeaders("From", "To", "Cc", "Subject", "Date").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get message %s: %w", messageID, err))
	}

	return parseItem(msg)
}

// Refresh exchanges the refresh token for a new access token, surfacing a
// rotated refresh token when the upstream issues one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{RefreshToken: refreshToken}

	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to refresh token: %w", err))
	}

	pair := &service.TokenPair{
		AccessToken:  newToken.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    newToken.Expiry,
	}
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		pair.RefreshToken = newToken.RefreshToken
	}

	return pair, nil
}

func (c *Client) newService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// parseItem extracts the identifier headers from a metadata-format message.
func parseItem(msg *gmail.Message) (*service.Item, error) {
	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: message %s has no payload", service.ErrMalformedItem, msg.Id)
	}

	item := &service.Item{
		MessageID: msg.Id,
		ThreadID:  msg.ThreadId,
	}

	if msg.InternalDate > 0 {
		item.OccurredAt = time.UnixMilli(msg.InternalDate)
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			item.Subject = header.Value
		case "From":
			item.From = header.Value
		case "To":
			item.To = header.Value
		case "Cc":
			item.CC = header.Value
		case "Date":
			if parsed, err := parseEmailDate(header.Value); err == nil {
				item.OccurredAt = parsed
			}
		}
	}

	if item.From == "" {
		return nil, fmt.Errorf("%w: message %s has no From header", service.ErrMalformedItem, msg.Id)
	}
	if item.OccurredAt.IsZero() {
		item.OccurredAt = time.Now()
	}

	return item, nil
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Gmail sometimes appends a timezone name after the numeric offset
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
