package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/fetchd/models"
)

func TestPinterestParseCounter(t *testing.T) {
	a := &PinterestAdapter{BinPath: "pinterest-dl"}
	pc := &ParseContext{}

	delta, ok := a.ParseLine("Downloading [3/10] image_123.jpg", pc)
	require.True(t, ok)
	require.True(t, delta.HasProgress)
	assert.InDelta(t, 30.0, delta.Progress, 0.001)
}

func TestPinterestParsePercentMarker(t *testing.T) {
	a := &PinterestAdapter{}
	pc := &ParseContext{}

	delta, ok := a.ParseLine("Scraping board: 45% complete", pc)
	require.True(t, ok)
	require.True(t, delta.HasProgress)
	assert.InDelta(t, 45.0, delta.Progress, 0.001)

	// Non-monotonic tool output is smoothed
	delta, ok = a.ParseLine("Scraping board: 20% complete", pc)
	require.True(t, ok)
	assert.InDelta(t, 45.0, delta.Progress, 0.001)
}

func TestPinterestParseIgnoresNoise(t *testing.T) {
	a := &PinterestAdapter{}
	pc := &ParseContext{}
	_, ok := a.ParseLine("Fetching board metadata...", pc)
	assert.False(t, ok)
}

func TestPinterestClassifyError(t *testing.T) {
	a := &PinterestAdapter{}
	assert.Equal(t, models.ErrCodeNoImagesFound, a.ClassifyError(1, "No pins found on board"))
	assert.Equal(t, models.ErrCodeInvalidURL, a.ClassifyError(1, "board not found (404)"))
	assert.Equal(t, models.ErrCodeAuthRequired, a.ClassifyError(1, "board is private"))
	assert.Equal(t, models.ErrCodeNetworkError, a.ClassifyError(1, "connection timeout"))
	assert.Equal(t, models.ErrCodeInternalError, a.ClassifyError(1, "¯\\_(ツ)_/¯"))
}

func TestPinterestBuildArgs(t *testing.T) {
	a := &PinterestAdapter{BinPath: "pinterest-dl"}
	job := &models.Job{
		ID:  "j1",
		URL: "https://pinterest.com/user/board/",
		Options: models.SubmitOptions{
			Pinterest: &models.PinterestOptions{
				MaxImages:     40,
				IncludeVideos: true,
				Resolution:    "1920x1080",
			},
		},
	}
	spec, err := a.Build(job, "/tmp/j1")
	require.NoError(t, err)
	assert.Equal(t, "scrape", spec.Args[0])
	assert.Contains(t, spec.Args, "40")
	assert.Contains(t, spec.Args, "--video")
	assert.Contains(t, spec.Args, "1920x1080")
}
