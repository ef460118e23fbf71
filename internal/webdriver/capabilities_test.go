package webdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestMergesAlwaysMatchWithEachFirstMatch(t *testing.T) {
	body := []byte(`{
		"capabilities": {
			"alwaysMatch": {"platformName": "linux", "streamspace:disableRecording": true},
			"firstMatch": [
				{"browserName": "chrome", "browserVersion": "120"},
				{"browserName": "firefox"}
			]
		}
	}`)

	req, err := ParseRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Candidates, 2)

	assert.Equal(t, "chrome", req.Candidates[0].BrowserName)
	assert.Equal(t, "120", req.Candidates[0].BrowserVersion)
	assert.Equal(t, "linux", req.Candidates[0].PlatformName)
	assert.True(t, req.Candidates[0].Extension.DisableRecording)

	assert.Equal(t, "firefox", req.Candidates[1].BrowserName)
	assert.Equal(t, "linux", req.Candidates[1].PlatformName)
}

func TestParseRequestDefaultsToSingleEmptyFirstMatch(t *testing.T) {
	body := []byte(`{"capabilities": {"alwaysMatch": {"browserName": "chrome"}}}`)

	req, err := ParseRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Candidates, 1)
	assert.Equal(t, "chrome", req.Candidates[0].BrowserName)
}

func TestParseRequestRejectsMalformedJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestCandidateMatchesImage(t *testing.T) {
	tests := []struct {
		name        string
		candidate   Candidate
		imgBrowser  string
		imgVersion  string
		imgPlatform string
		want        bool
	}{
		{
			name:       "exact browser name required and matches",
			candidate:  Candidate{BrowserName: "chrome"},
			imgBrowser: "chrome", imgVersion: "120.0.1", imgPlatform: "linux",
			want: true,
		},
		{
			name:       "browser name mismatch",
			candidate:  Candidate{BrowserName: "chrome"},
			imgBrowser: "firefox", imgVersion: "120", imgPlatform: "linux",
			want: false,
		},
		{
			name:       "version prefix matches",
			candidate:  Candidate{BrowserName: "chrome", BrowserVersion: "120"},
			imgBrowser: "chrome", imgVersion: "120.0.6099.109", imgPlatform: "linux",
			want: true,
		},
		{
			name:       "version prefix mismatch",
			candidate:  Candidate{BrowserName: "chrome", BrowserVersion: "121"},
			imgBrowser: "chrome", imgVersion: "120.0.6099.109", imgPlatform: "linux",
			want: false,
		},
		{
			name:       "version longer than image version never matches",
			candidate:  Candidate{BrowserVersion: "120.0.6099.999"},
			imgBrowser: "chrome", imgVersion: "120.0", imgPlatform: "linux",
			want: false,
		},
		{
			name:       "platform any always matches",
			candidate:  Candidate{PlatformName: "any"},
			imgBrowser: "chrome", imgVersion: "120", imgPlatform: "windows",
			want: true,
		},
		{
			name:       "platform mismatch",
			candidate:  Candidate{PlatformName: "windows"},
			imgBrowser: "chrome", imgVersion: "120", imgPlatform: "linux",
			want: false,
		},
		{
			name:       "no constraints always matches",
			candidate:  Candidate{},
			imgBrowser: "chrome", imgVersion: "120", imgPlatform: "linux",
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.candidate.MatchesImage(tt.imgBrowser, tt.imgVersion, tt.imgPlatform)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeActualPrefersActualOverRequestedOnConflict(t *testing.T) {
	requested := Candidate{Raw: map[string]interface{}{"browserName": "chrome", "platformName": "any"}}
	actual := map[string]interface{}{"platformName": "linux", "browserVersion": "120.0.1"}

	merged := MergeActual(requested, actual)

	assert.Equal(t, "chrome", merged["browserName"])
	assert.Equal(t, "linux", merged["platformName"])
	assert.Equal(t, "120.0.1", merged["browserVersion"])
}
