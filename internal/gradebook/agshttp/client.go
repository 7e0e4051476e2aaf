// Package agshttp is the HTTP client for LTI AGS line items and scores.
package agshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mind-engage/mindengage-webwork/internal/gradebook"
)

const (
	scopeLineItem = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	scopeScore    = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
)

type Client struct {
	http *http.Client
}

type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string // defaults to the line item and score scopes
	Timeout      time.Duration
}

func New(cfg Config) *Client {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{scopeLineItem, scopeScore}
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       scopes,
	}
	h := cc.Client(context.Background())
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	}
	return &Client{http: h}
}

// NewWithHTTP wraps an already authenticated client.
func NewWithHTTP(h *http.Client) *Client { return &Client{http: h} }

type lineItemJSON struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	ScoreMaximum float64 `json:"scoreMaximum"`
	ResourceID   string  `json:"resourceId"`
}

func (it lineItemJSON) toLineItem() gradebook.AGSLineItem {
	return gradebook.AGSLineItem{ID: it.ID, Label: it.Label, ScoreMaximum: it.ScoreMaximum, ResourceID: it.ResourceID}
}

func (c *Client) ListLineItems(ctx context.Context, lineItemsURL string, q map[string]string) ([]gradebook.AGSLineItem, error) {
	u, err := url.Parse(lineItemsURL)
	if err != nil {
		return nil, err
	}
	p := u.Query()
	for k, v := range q {
		p.Set(k, v)
	}
	u.RawQuery = p.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.lineitemcontainer+json")
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("list line items: %s", res.Status)
	}
	var items []lineItemJSON
	if err := json.NewDecoder(res.Body).Decode(&items); err != nil {
		return nil, err
	}
	out := make([]gradebook.AGSLineItem, 0, len(items))
	for _, it := range items {
		out = append(out, it.toLineItem())
	}
	return out, nil
}

func (c *Client) CreateLineItem(ctx context.Context, lineItemsURL string, req gradebook.CreateLineItemReq) (gradebook.AGSLineItem, error) {
	body, err := json.Marshal(map[string]any{
		"label": req.Label, "scoreMaximum": req.ScoreMaximum, "resourceId": req.ResourceID,
	})
	if err != nil {
		return gradebook.AGSLineItem{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, lineItemsURL, bytes.NewReader(body))
	if err != nil {
		return gradebook.AGSLineItem{}, err
	}
	httpReq.Header.Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
	httpReq.Header.Set("Accept", "application/vnd.ims.lis.v2.lineitem+json")
	res, err := c.http.Do(httpReq)
	if err != nil {
		return gradebook.AGSLineItem{}, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return gradebook.AGSLineItem{}, fmt.Errorf("create line item: %s", res.Status)
	}
	var it lineItemJSON
	if err := json.NewDecoder(res.Body).Decode(&it); err != nil {
		return gradebook.AGSLineItem{}, err
	}
	return it.toLineItem(), nil
}

// PostScore sends s to {lineItemURL}/scores, keeping any query string on the line item URL.
func (c *Client) PostScore(ctx context.Context, lineItemURL string, s gradebook.Score) error {
	body, err := json.Marshal(map[string]any{
		"userId": s.UserID, "scoreGiven": s.ScoreGiven, "scoreMaximum": s.ScoreMaximum,
		"activityProgress": s.ActivityProgress, "gradingProgress": s.GradingProgress,
		"timestamp": s.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/scores"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/vnd.ims.lis.v1.score+json")
	res, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("post score: %s", res.Status)
	}
	return nil
}
