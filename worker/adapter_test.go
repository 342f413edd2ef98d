package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fetchd/fetchd/models"
)

func TestResolveKind(t *testing.T) {
	cases := []struct {
		url  string
		want models.JobKind
	}{
		{"https://www.youtube.com/watch?v=XYZ", models.KindYouTube},
		{"https://youtu.be/XYZ", models.KindYouTube},
		{"https://music.youtube.com/watch?v=XYZ", models.KindYouTube},
		{"https://twitter.com/user/status/123", models.KindTwitter},
		{"https://x.com/user/status/123", models.KindTwitter},
		{"https://www.pinterest.com/user/board/", models.KindPinterest},
		{"https://pin.it/abc", models.KindPinterest},
		{"https://cdn.example.test/live/master.m3u8", models.KindHLS},
		{"https://example.test/10MB.bin", models.KindFile},
		{"not a url at all", models.KindFile},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveKind(models.KindAuto, tc.url), "url %s", tc.url)
	}

	// Explicit kinds are never overridden
	assert.Equal(t, models.KindFile, ResolveKind(models.KindFile, "https://youtube.com/watch?v=X"))
	assert.Equal(t, models.KindHLS, ResolveKind(models.KindHLS, "https://example.test/x.bin"))
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "", formatSpeed(0))
	assert.Equal(t, "1.0MB/s", formatSpeed(1024*1024))
	assert.Equal(t, "2.5MB/s", formatSpeed(2.5*1024*1024))
}
