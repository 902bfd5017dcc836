package linkedin

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMediaType is returned for media whose extension cannot be published.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrMediaUploadFailed is returned when every upload attempt failed.
	ErrMediaUploadFailed = errors.New("media upload failed")

	// ErrPublishFailed covers missing credentials, transport errors and non-2xx answers.
	ErrPublishFailed = errors.New("publish failed")

	// ErrAccountNotConnected means the author has no LinkedIn account on file.
	ErrAccountNotConnected = fmt.Errorf("%w: LinkedIn account is not connected", ErrPublishFailed)

	// ErrTokenExpired means no usable token exists for the author.
	ErrTokenExpired = fmt.Errorf("%w: valid LinkedIn token not found or expired", ErrPublishFailed)
)

// FailureKind classifies a failed publish.
type FailureKind string

const (
	FailureUnsupportedMediaType FailureKind = "unsupported_media_type"
	FailureMediaUploadFailed    FailureKind = "media_upload_failed"
	FailurePublishFailed        FailureKind = "publish_failed"
)

// Failure describes why a publish did not happen.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (f Failure) Error() string {
	return string(f.Kind) + ": " + f.Detail
}

// Result is the outcome of Publish: either a share URN or a Failure.
// It serializes cleanly so it can be recorded as a workflow step output.
type Result struct {
	ShareURN string   `json:"share_urn,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

// OK reports whether the post was published.
func (r Result) OK() bool { return r.Failure == nil }

// Published returns a successful result.
func Published(shareURN string) Result {
	return Result{ShareURN: shareURN}
}

// Failed returns a failed result of the given kind.
func Failed(kind FailureKind, detail string) Result {
	return Result{Failure: &Failure{Kind: kind, Detail: detail}}
}

// failedFromError classifies err into a failed Result.
func failedFromError(err error) Result {
	switch {
	case errors.Is(err, ErrUnsupportedMediaType):
		return Failed(FailureUnsupportedMediaType, err.Error())
	case errors.Is(err, ErrMediaUploadFailed):
		return Failed(FailureMediaUploadFailed, err.Error())
	default:
		return Failed(FailurePublishFailed, err.Error())
	}
}
