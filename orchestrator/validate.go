package orchestrator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/fetchd/fetchd/models"
)

// CreateRequest is the submission payload accepted by Submit,
// regardless of which transport delivered it
type CreateRequest struct {
	URL          string                   `json:"url"`
	Kind         models.JobKind           `json:"kind"`
	FilenameHint string                   `json:"filenameHint,omitempty"`
	Headers      *models.HeaderOptions    `json:"headers,omitempty"`
	Transcode    *models.TranscodeOptions `json:"transcode,omitempty"`
	Twitter      *models.TwitterOptions   `json:"twitter,omitempty"`
	Pinterest    *models.PinterestOptions `json:"pinterest,omitempty"`
}

var (
	allowedExtraHeaders = map[string]bool{
		"user-agent":    true,
		"referer":       true,
		"authorization": true,
		"cookie":        true,
		"accept":        true,
	}
	reResolution   = regexp.MustCompile(`^\d+x\d+$`)
	reservedFschrs = "<>:\"/\\|?*"
)

// validateRequest checks the submission contract and normalizes
// defaults. Every rejection wraps models.ErrInvalidInput.
func validateRequest(req *CreateRequest) (models.SubmitOptions, error) {
	var opts models.SubmitOptions

	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return opts, fmt.Errorf("%w: url must be absolute", models.ErrInvalidInput)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return opts, fmt.Errorf("%w: url scheme must be http or https", models.ErrInvalidInput)
	}

	if req.Kind == "" {
		req.Kind = models.KindAuto
	}
	if !req.Kind.Valid() {
		return opts, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidInput, req.Kind)
	}

	if req.FilenameHint != "" {
		hint := sanitizeFilename(req.FilenameHint)
		if hint == "" {
			return opts, fmt.Errorf("%w: filename hint is empty after sanitization", models.ErrInvalidInput)
		}
		opts.FilenameHint = hint
	}

	if req.Headers != nil {
		for name := range req.Headers.Extra {
			if !allowedExtraHeaders[strings.ToLower(name)] {
				return opts, fmt.Errorf("%w: header %q is not allowed", models.ErrInvalidInput, name)
			}
		}
		h := *req.Headers
		opts.Headers = &h
	}

	if req.Transcode != nil {
		t := *req.Transcode
		switch t.To {
		case "mp4", "webm", "avi":
		default:
			return opts, fmt.Errorf("%w: transcode target %q", models.ErrInvalidInput, t.To)
		}
		switch t.Codec {
		case "h264", "h265":
		default:
			return opts, fmt.Errorf("%w: transcode codec %q", models.ErrInvalidInput, t.Codec)
		}
		if t.CRF < 1 || t.CRF > 51 {
			return opts, fmt.Errorf("%w: crf must be in [1,51]", models.ErrInvalidInput)
		}
		opts.Transcode = &t
	}

	if req.Twitter != nil {
		t := *req.Twitter
		if t.MediaType == "" {
			t.MediaType = "all"
		}
		switch t.MediaType {
		case "all", "images", "videos":
		default:
			return opts, fmt.Errorf("%w: twitter media type %q", models.ErrInvalidInput, t.MediaType)
		}
		if t.MaxTweets == 0 {
			t.MaxTweets = 50
		}
		if t.MaxTweets < 1 || t.MaxTweets > 200 {
			return opts, fmt.Errorf("%w: maxTweets must be in [1,200]", models.ErrInvalidInput)
		}
		opts.Twitter = &t
	}

	if req.Pinterest != nil {
		p := *req.Pinterest
		if p.MaxImages == 0 {
			p.MaxImages = 100
		}
		if p.MaxImages < 1 || p.MaxImages > 500 {
			return opts, fmt.Errorf("%w: maxImages must be in [1,500]", models.ErrInvalidInput)
		}
		if p.Resolution != "" && !reResolution.MatchString(p.Resolution) {
			return opts, fmt.Errorf("%w: resolution must look like 1920x1080", models.ErrInvalidInput)
		}
		opts.Pinterest = &p
	}

	return opts, nil
}

// sanitizeFilename strips path separators, reserved characters and
// control bytes from a user-supplied hint
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(reservedFschrs, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Trim(strings.TrimSpace(b.String()), ".")
	return out
}
