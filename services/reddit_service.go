package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/vartanbeno/go-reddit/v2/reddit"

	"storyreel/models"
)

// ErrInvalidRedditURL is returned for URLs that do not point at a post
var ErrInvalidRedditURL = errors.New("not a reddit post URL")

// PostSource fetches a story from a post URL
type PostSource interface {
	FetchPost(ctx context.Context, postURL string) (*models.RedditPost, error)
}

// RedditConfig holds optional script-app credentials; empty means read-only access
type RedditConfig struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
}

// RedditService fetches posts through the Reddit API
type RedditService struct {
	client *reddit.Client
}

// NewRedditService creates an authenticated client when credentials are set, read-only otherwise
func NewRedditService(cfg RedditConfig) (*RedditService, error) {
	var opts []reddit.Opt
	if cfg.UserAgent != "" {
		opts = append(opts, reddit.WithUserAgent(cfg.UserAgent))
	}

	var (
		client *reddit.Client
		err    error
	)
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		client, err = reddit.NewClient(reddit.Credentials{
			ID:       cfg.ClientID,
			Secret:   cfg.ClientSecret,
			Username: cfg.Username,
			Password: cfg.Password,
		}, opts...)
	} else {
		client, err = reddit.NewReadonlyClient(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create reddit client: %w", err)
	}

	return &RedditService{client: client}, nil
}

// FetchPost loads the title and self text of the post at postURL
func (rs *RedditService) FetchPost(ctx context.Context, postURL string) (*models.RedditPost, error) {
	id, err := ParsePostID(postURL)
	if err != nil {
		return nil, err
	}

	result, _, err := rs.client.Post.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reddit post %s: %w", id, err)
	}
	if result == nil || result.Post == nil {
		return nil, fmt.Errorf("reddit post %s not found", id)
	}

	return postFromReddit(result.Post), nil
}

func postFromReddit(p *reddit.Post) *models.RedditPost {
	post := &models.RedditPost{
		Title:  strings.TrimSpace(p.Title),
		Body:   strings.TrimSpace(p.Body),
		Author: p.Author,
		URL:    p.URL,
	}
	if p.SubredditName != "" {
		post.Subreddit = "r/" + p.SubredditName
	}
	if p.Permalink != "" {
		post.URL = "https://www.reddit.com" + p.Permalink
	}
	return post
}

// ParsePostID extracts the base36 post ID from a post or short link
func ParsePostID(postURL string) (string, error) {
	raw := strings.TrimSpace(postURL)
	if raw == "" {
		return "", ErrInvalidRedditURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRedditURL, err)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })

	switch {
	case host == "redd.it":
		if len(segments) == 1 && validPostID(segments[0]) {
			return segments[0], nil
		}
	case host == "reddit.com" || strings.HasSuffix(host, ".reddit.com"):
		for i, seg := range segments {
			if seg == "comments" && i+1 < len(segments) && validPostID(segments[i+1]) {
				return segments[i+1], nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s", ErrInvalidRedditURL, postURL)
}

func validPostID(id string) bool {
	if id == "" || len(id) > 16 {
		return false
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}
