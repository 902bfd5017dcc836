package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/media"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/posts"
)

// DefaultBaseURL is the LinkedIn REST API root.
const DefaultBaseURL = "https://api.linkedin.com"

const (
	registerUploadPath = "/v2/assets?action=registerUpload"
	ugcPostsPath       = "/v2/ugcPosts"
	restliHeader       = "X-Restli-Protocol-Version"
	restliVersion      = "2.0.0"
	restliIDHeader     = "X-RestLi-Id"
	maxErrorBody       = 512
)

// Client publishes posts to LinkedIn.
type Client struct {
	BaseURL     string
	HTTP        *http.Client
	Credentials CredentialSource
	Media       media.Source
	Uploader    *Uploader
	Logger      logrus.FieldLogger
}

// ClientConfig configures NewClient.
type ClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials CredentialSource
	Media       media.Source
	Logger      logrus.FieldLogger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{
		BaseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		HTTP:        &http.Client{Timeout: cfg.Timeout},
		Credentials: cfg.Credentials,
		Media:       cfg.Media,
		Uploader:    &Uploader{Logger: cfg.Logger},
		Logger:      cfg.Logger,
	}
}

// Publish sends p to LinkedIn. It never returns an error: every failure is
// reported as a typed Failure in the Result.
func (c *Client) Publish(ctx context.Context, p *posts.Post) Result {
	log := c.logger().WithFields(logrus.Fields{"post_id": p.ID, "variant": p.Variant()})

	shareURN, err := c.publish(ctx, p)
	if err != nil {
		res := failedFromError(err)
		log.WithError(err).WithField("failure", res.Failure.Kind).Error("LinkedIn publish failed")
		return res
	}
	log.WithField("share_urn", shareURN).Info("Posted to LinkedIn")
	return Published(shareURN)
}

func (c *Client) publish(ctx context.Context, p *posts.Post) (string, error) {
	if c.Credentials == nil {
		return "", ErrAccountNotConnected
	}
	cred, err := c.Credentials.Credential(ctx, p.UserID)
	if err != nil {
		return "", err
	}

	var asset *Asset
	if p.Variant() == posts.VariantMedia {
		asset, err = c.uploadAsset(ctx, cred, p.Media)
		if err != nil {
			return "", err
		}
	}

	payload, err := BuildPayload(p, cred.Author, asset)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	resp, body, err := c.do(ctx, cred.Token, http.MethodPost, ugcPostsPath, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if err := checkStatus(resp, body); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &created)
	}
	if created.ID == "" {
		created.ID = resp.Header.Get(restliIDHeader)
	}
	return created.ID, nil
}

// uploadAsset registers an upload for the post's media and streams it.
func (c *Client) uploadAsset(ctx context.Context, cred *Credential, name string) (*Asset, error) {
	recipe, kind, err := ValidateContentType(name)
	if err != nil {
		return nil, err
	}
	if kind != KindImage && kind != KindVideo {
		return nil, fmt.Errorf("%w: %q is not an image or video file", ErrUnsupportedMediaType, name)
	}
	if c.Media == nil {
		return nil, fmt.Errorf("%w: no media source configured", ErrMediaUploadFailed)
	}

	resp, body, err := c.do(ctx, cred.Token, http.MethodPost, registerUploadPath, newRegisterUploadRequest(recipe, cred.Author))
	if err != nil {
		return nil, fmt.Errorf("%w: register upload: %w", ErrMediaUploadFailed, err)
	}
	if err := checkStatus(resp, body); err != nil {
		return nil, fmt.Errorf("%w: register upload: %w", ErrMediaUploadFailed, err)
	}

	var reg registerUploadResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("%w: decode register upload: %w", ErrMediaUploadFailed, err)
	}
	mech, ok := reg.Value.UploadMechanism[uploadMechanismKey]
	if !ok || mech.UploadURL == "" || reg.Value.Asset == "" {
		return nil, fmt.Errorf("%w: register upload returned no upload url", ErrMediaUploadFailed)
	}

	if err := c.uploader().UploadMedia(ctx, c.Media, name, mech.UploadURL); err != nil {
		return nil, err
	}
	return &Asset{URN: reg.Value.Asset, Kind: kind}, nil
}

func (c *Client) do(ctx context.Context, tok *oauth2.Token, method, path string, in any) (*http.Response, []byte, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(restliHeader, restliVersion)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func checkStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Errorf("LinkedIn returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) uploader() *Uploader {
	if c.Uploader == nil {
		return &Uploader{Logger: c.logger()}
	}
	return c.Uploader
}

func (c *Client) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
