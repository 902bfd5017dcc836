package linkedin

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/media"
)

// Kind is the shareMediaCategory of a post.
type Kind string

const (
	KindNone    Kind = "NONE"
	KindArticle Kind = "ARTICLE"
	KindImage   Kind = "IMAGE"
	KindVideo   Kind = "VIDEO"
)

// Recipe is the digital media recipe requested when registering an upload.
type Recipe string

const (
	RecipeImage Recipe = "urn:li:digitalmediaRecipe:feedshare-image"
	RecipeVideo Recipe = "urn:li:digitalmediaRecipe:feedshare-video"
)

var mediaTypes = map[string]struct {
	recipe Recipe
	kind   Kind
}{
	".jpg":  {RecipeImage, KindImage},
	".jpeg": {RecipeImage, KindImage},
	".png":  {RecipeImage, KindImage},
	".gif":  {RecipeImage, KindImage},
	".mp4":  {RecipeVideo, KindVideo},
	".mov":  {RecipeVideo, KindVideo},
}

// ValidateContentType maps a media file name or article URL to its upload
// recipe and media category. An empty reference is plain text; an http(s)
// URL is an article. Extensions are matched case-insensitively.
func ValidateContentType(ref string) (Recipe, Kind, error) {
	if ref == "" {
		return "", KindNone, nil
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return "", KindArticle, nil
	}
	ext := path.Ext(lower)
	mt, ok := mediaTypes[ext]
	if !ok {
		if ext == "" {
			ext = "(none)"
		}
		return "", "", fmt.Errorf("%w: %s. Supported: .jpg, .jpeg, .png, .gif, .mp4, .mov", ErrUnsupportedMediaType, ext)
	}
	return mt.recipe, mt.kind, nil
}

const (
	defaultUploadAttempts = 3
	defaultUploadDelay    = 3 * time.Second
	defaultUploadTimeout  = 20 * time.Second
)

// Uploader streams media bytes to an upload URL, retrying failed attempts.
type Uploader struct {
	// HTTP is used for the PUT requests. Defaults to a client with a 20s timeout.
	HTTP *http.Client
	// Attempts is the total number of tries. Defaults to 3.
	Attempts int
	// Delay is the fixed pause between tries. Defaults to 3s.
	Delay  time.Duration
	Logger logrus.FieldLogger
}

func (u *Uploader) httpClient() *http.Client {
	if u.HTTP == nil {
		return &http.Client{Timeout: defaultUploadTimeout}
	}
	return u.HTTP
}

func (u *Uploader) logger() logrus.FieldLogger {
	if u.Logger == nil {
		return logrus.StandardLogger()
	}
	return u.Logger
}

func (u *Uploader) retryPolicy() retrypolicy.RetryPolicy[any] {
	attempts := u.Attempts
	if attempts <= 0 {
		attempts = defaultUploadAttempts
	}
	delay := u.Delay
	if delay <= 0 {
		delay = defaultUploadDelay
	}
	return retrypolicy.NewBuilder[any]().
		WithMaxAttempts(attempts).
		WithDelay(delay).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			u.logger().WithError(e.LastError()).WithFields(logrus.Fields{
				"attempt":  e.Attempts(),
				"attempts": attempts,
			}).Warnf("Upload failed, retrying in %s", delay)
		}).
		Build()
}

// UploadMedia streams the named media object to uploadURL with PUT. The object
// is reopened for every attempt. When all attempts fail the error wraps
// ErrMediaUploadFailed.
func (u *Uploader) UploadMedia(ctx context.Context, src media.Source, name, uploadURL string) error {
	client := u.httpClient()
	_, err := failsafe.With[any](u.retryPolicy()).WithContext(ctx).Get(func() (any, error) {
		return nil, u.uploadOnce(ctx, client, src, name, uploadURL)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMediaUploadFailed, name, err)
	}
	return nil
}

func (u *Uploader) uploadOnce(ctx context.Context, client *http.Client, src media.Source, name, uploadURL string) error {
	body, size, err := src.Open(ctx, name)
	if err != nil {
		return err
	}
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload returned %s", resp.Status)
	}
	return nil
}
