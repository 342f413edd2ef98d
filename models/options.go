package models

// SubmitOptions is the opaque submission payload. All fields are
// immutable after Submit.
type SubmitOptions struct {
	FilenameHint string            `json:"filename_hint,omitempty"`
	Headers      *HeaderOptions    `json:"headers,omitempty"`
	Transcode    *TranscodeOptions `json:"transcode,omitempty"`
	Twitter      *TwitterOptions   `json:"twitter,omitempty"`
	Pinterest    *PinterestOptions `json:"pinterest,omitempty"`
}

// HeaderOptions carries request headers forwarded to the downloader.
// Extra keys are restricted to an allow-list at validation time.
type HeaderOptions struct {
	UserAgent string            `json:"ua,omitempty"`
	Referer   string            `json:"referer,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// TranscodeOptions requests a post-processing pass through ffmpeg
type TranscodeOptions struct {
	To    string `json:"to"`    // mp4, webm, avi
	Codec string `json:"codec"` // h264, h265
	CRF   int    `json:"crf"`   // 1..51
}

// TwitterOptions tunes the twitter media downloader
type TwitterOptions struct {
	TweetID         string `json:"tweet_id,omitempty"`
	Username        string `json:"username,omitempty"`
	MediaType       string `json:"media_type"` // all, images, videos
	IncludeRetweets bool   `json:"include_retweets,omitempty"`
	MaxTweets       int    `json:"max_tweets"`
}

// PinterestOptions tunes the pinterest board downloader
type PinterestOptions struct {
	MaxImages     int    `json:"max_images"`
	IncludeVideos bool   `json:"include_videos,omitempty"`
	Resolution    string `json:"resolution,omitempty"` // "WxH"
}
