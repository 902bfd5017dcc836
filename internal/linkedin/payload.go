package linkedin

import (
	"errors"

	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/posts"
)

const (
	memberVisibilityKey  = "com.linkedin.ugc.MemberNetworkVisibility"
	lifecyclePublished   = "PUBLISHED"
	visibilityPublic     = "PUBLIC"
	mediaStatusReady     = "READY"
	uploadMechanismKey   = "com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"
	ownerRelationship    = "OWNER"
	userGeneratedContent = "urn:li:userGeneratedContent"
)

var errMissingAsset = errors.New("media post without an uploaded asset")

// Payload is the ugcPosts request body.
type Payload struct {
	Author          string            `json:"author"`
	LifecycleState  string            `json:"lifecycleState"`
	SpecificContent SpecificContent   `json:"specificContent"`
	Visibility      map[string]string `json:"visibility"`
}

type SpecificContent struct {
	ShareContent ShareContent `json:"com.linkedin.ugc.ShareContent"`
}

type ShareContent struct {
	ShareCommentary    Text         `json:"shareCommentary"`
	ShareMediaCategory Kind         `json:"shareMediaCategory"`
	Media              []ShareMedia `json:"media,omitempty"`
}

type Text struct {
	Text string `json:"text"`
}

type ShareMedia struct {
	Status      string `json:"status"`
	Media       string `json:"media,omitempty"`
	OriginalURL string `json:"originalUrl,omitempty"`
	Title       *Text  `json:"title,omitempty"`
}

// Asset is an uploaded media object.
type Asset struct {
	URN  string
	Kind Kind
}

// BuildPayload selects the post shape from the post's variant: media wins
// over article, article over plain text. asset is required for media posts.
func BuildPayload(p *posts.Post, author string, asset *Asset) (*Payload, error) {
	content := ShareContent{
		ShareCommentary:    Text{Text: p.Content},
		ShareMediaCategory: KindNone,
	}

	switch p.Variant() {
	case posts.VariantMedia:
		if asset == nil {
			return nil, errMissingAsset
		}
		content.ShareMediaCategory = asset.Kind
		content.Media = []ShareMedia{{Status: mediaStatusReady, Media: asset.URN}}
	case posts.VariantArticle:
		content.ShareMediaCategory = KindArticle
		content.Media = []ShareMedia{{
			Status:      mediaStatusReady,
			OriginalURL: p.ArticleURL,
			Title:       &Text{Text: p.ArticleTitle},
		}}
	}

	return &Payload{
		Author:          author,
		LifecycleState:  lifecyclePublished,
		SpecificContent: SpecificContent{ShareContent: content},
		Visibility:      map[string]string{memberVisibilityKey: visibilityPublic},
	}, nil
}

type registerUploadRequest struct {
	RegisterUploadRequest registerUpload `json:"registerUploadRequest"`
}

type registerUpload struct {
	Recipes              []Recipe              `json:"recipes"`
	Owner                string                `json:"owner"`
	ServiceRelationships []serviceRelationship `json:"serviceRelationships"`
}

type serviceRelationship struct {
	RelationshipType string `json:"relationshipType"`
	Identifier       string `json:"identifier"`
}

func newRegisterUploadRequest(recipe Recipe, owner string) registerUploadRequest {
	return registerUploadRequest{RegisterUploadRequest: registerUpload{
		Recipes: []Recipe{recipe},
		Owner:   owner,
		ServiceRelationships: []serviceRelationship{{
			RelationshipType: ownerRelationship,
			Identifier:       userGeneratedContent,
		}},
	}}
}

type registerUploadResponse struct {
	Value struct {
		UploadMechanism map[string]struct {
			UploadURL string `json:"uploadUrl"`
		} `json:"uploadMechanism"`
		Asset string `json:"asset"`
	} `json:"value"`
}
