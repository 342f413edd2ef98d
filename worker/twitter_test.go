package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/fetchd/models"
)

func TestTwitterParseCountEstimate(t *testing.T) {
	a := &TwitterAdapter{BinPath: "twmd"}
	pc := &ParseContext{}

	delta, ok := a.ParseLine("Found 4 media files for @user", pc)
	require.True(t, ok)
	assert.False(t, delta.HasProgress)
	assert.Equal(t, 4, pc.TotalFiles)

	delta, ok = a.ParseLine("Downloaded media_1.jpg", pc)
	require.True(t, ok)
	require.True(t, delta.HasProgress)
	assert.InDelta(t, 25.0, delta.Progress, 0.001)

	a.ParseLine("Downloaded media_2.jpg", pc)
	a.ParseLine("Downloaded media_3.jpg", pc)
	delta, _ = a.ParseLine("Downloaded media_4.jpg", pc)
	assert.InDelta(t, 100.0, delta.Progress, 0.001)
}

func TestTwitterProgressNeverGoesBackward(t *testing.T) {
	a := &TwitterAdapter{}
	pc := &ParseContext{}

	a.ParseLine("Found 2 media files", pc)
	d1, _ := a.ParseLine("Downloaded a.jpg", pc)
	assert.InDelta(t, 50.0, d1.Progress, 0.001)

	// A later, larger total must not shrink the estimate
	a.ParseLine("Found 10 media files", pc)
	d2, _ := a.ParseLine("Downloaded b.jpg", pc)
	assert.GreaterOrEqual(t, d2.Progress, d1.Progress)
}

func TestTwitterParseWithoutTotal(t *testing.T) {
	a := &TwitterAdapter{}
	pc := &ParseContext{}

	// Download lines before any count: no percent yet
	delta, ok := a.ParseLine("Downloaded a.jpg", pc)
	require.True(t, ok)
	assert.False(t, delta.HasProgress)
}

func TestTwitterClassifyError(t *testing.T) {
	a := &TwitterAdapter{}
	assert.Equal(t, models.ErrCodeTweetUnavailable, a.ClassifyError(1, "error: tweet not found"))
	assert.Equal(t, models.ErrCodeUserNotFound, a.ClassifyError(1, "User not found: @ghost"))
	assert.Equal(t, models.ErrCodeAuthRequired, a.ClassifyError(1, "account is protected"))
	assert.Equal(t, models.ErrCodeNetworkError, a.ClassifyError(1, "connection refused"))
	assert.Equal(t, models.ErrCodeInternalError, a.ClassifyError(1, "???"))
}

func TestTwitterBuildArgs(t *testing.T) {
	a := &TwitterAdapter{BinPath: "/usr/bin/twmd"}
	job := &models.Job{
		ID:  "j1",
		URL: "https://twitter.com/user/status/123",
		Options: models.SubmitOptions{
			Twitter: &models.TwitterOptions{
				Username:  "user",
				MediaType: "videos",
				MaxTweets: 25,
			},
		},
	}
	spec, err := a.Build(job, "/tmp/j1")
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "-u")
	assert.Contains(t, spec.Args, "user")
	assert.Contains(t, spec.Args, "-v")
	assert.Contains(t, spec.Args, "25")
}
