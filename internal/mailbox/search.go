package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SentMailSearcher queries the provider's sent-items folder with a delegated token.
type SentMailSearcher struct {
	baseURL string
	client  *http.Client
}

// NewSentMailSearcher constructs a SentMailSearcher.
func NewSentMailSearcher(baseURL string, client *http.Client) *SentMailSearcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SentMailSearcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type searchResponse struct {
	Value []struct {
		Subject      string    `json:"subject"`
		SentDateTime time.Time `json:"sentDateTime"`
		ToRecipients []struct {
			EmailAddress struct {
				Address string `json:"address"`
			} `json:"emailAddress"`
		} `json:"toRecipients"`
	} `json:"value"`
}

// SearchSent returns up to limit sent messages matching the literal query,
// most recent first.
func (s *SentMailSearcher) SearchSent(ctx context.Context, token, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{}
	params.Set("$search", strconv.Quote(query))
	params.Set("$top", strconv.Itoa(limit))
	params.Set("$select", "subject,sentDateTime,toRecipients")
	endpoint := s.baseURL + "/me/mailFolders/sentitems/messages?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("ConsistencyLevel", "eventual")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: token rejected", ErrNoToken)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search returned %d", ErrUnavailable, resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode search: %v", ErrUnavailable, err)
	}
	messages := make([]Message, 0, len(payload.Value))
	for _, item := range payload.Value {
		msg := Message{Subject: item.Subject, SentAt: item.SentDateTime}
		for _, to := range item.ToRecipients {
			if addr := strings.TrimSpace(to.EmailAddress.Address); addr != "" {
				msg.Recipients = append(msg.Recipients, addr)
			}
		}
		messages = append(messages, msg)
	}
	// $search cannot be combined with $orderby.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].SentAt.After(messages[j].SentAt)
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}
