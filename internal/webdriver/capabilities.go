// Package webdriver implements the slice of the WebDriver protocol the grid
// must understand: capability parsing/merging (spec §3 "Capabilities
// request") and the two response shapes it returns to clients (spec §6).
package webdriver

import (
	"encoding/json"
	"fmt"

	"github.com/streamspace/sessiongrid/internal/gridcore"
)

// GridExtension is the grid-specific extension object nested in a
// capability record, per spec §3: metadata map, disableRecording flag,
// idleTimeoutSecs override.
type GridExtension struct {
	Metadata          map[string]string `json:"streamspace:metadata,omitempty"`
	DisableRecording  bool              `json:"streamspace:disableRecording,omitempty"`
	IdleTimeoutSecs   int               `json:"streamspace:idleTimeoutSecs,omitempty"`
}

// Candidate is one fully-merged candidate capability record: alwaysMatch
// merged with one entry of firstMatch (or alwaysMatch alone if firstMatch is
// absent/empty).
type Candidate struct {
	BrowserName    string                 `json:"browserName,omitempty"`
	BrowserVersion string                 `json:"browserVersion,omitempty"`
	PlatformName   string                 `json:"platformName,omitempty"`
	Extension      GridExtension          `json:"-"`
	Raw            map[string]interface{} `json:"-"`
}

// Request is a parsed POST /session body.
type Request struct {
	Candidates []Candidate
}

type rawCapabilities struct {
	Capabilities struct {
		AlwaysMatch map[string]interface{}   `json:"alwaysMatch"`
		FirstMatch  []map[string]interface{} `json:"firstMatch"`
	} `json:"capabilities"`
}

// ParseRequest parses a POST /session body into a Request carrying the
// expanded candidate set, per spec §3 and §4.G step 1.
func ParseRequest(body []byte) (*Request, error) {
	var raw rawCapabilities
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, gridcore.New(gridcore.KindParseError, "malformed capabilities JSON", err)
	}

	firstMatches := raw.Capabilities.FirstMatch
	if len(firstMatches) == 0 {
		firstMatches = []map[string]interface{}{{}}
	}

	req := &Request{}
	for _, fm := range firstMatches {
		merged := mergeMaps(raw.Capabilities.AlwaysMatch, fm)
		cand, err := toCandidate(merged)
		if err != nil {
			return nil, err
		}
		req.Candidates = append(req.Candidates, cand)
	}
	return req, nil
}

func mergeMaps(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func toCandidate(m map[string]interface{}) (Candidate, error) {
	c := Candidate{Raw: m}
	if v, ok := m["browserName"].(string); ok {
		c.BrowserName = v
	}
	if v, ok := m["browserVersion"].(string); ok {
		c.BrowserVersion = v
	}
	if v, ok := m["platformName"].(string); ok {
		c.PlatformName = v
	}
	if v, ok := m["streamspace:metadata"].(map[string]interface{}); ok {
		c.Extension.Metadata = make(map[string]string, len(v))
		for k, vv := range v {
			if s, ok := vv.(string); ok {
				c.Extension.Metadata[k] = s
			}
		}
	}
	if v, ok := m["streamspace:disableRecording"].(bool); ok {
		c.Extension.DisableRecording = v
	}
	if v, ok := m["streamspace:idleTimeoutSecs"].(float64); ok {
		c.Extension.IdleTimeoutSecs = int(v)
	}
	return c, nil
}

// MatchesImage reports whether candidate c is satisfiable by an advertised
// (browserName, browserVersion, platformName) triple, per the matching rule
// in spec §4.H: browser-name equality (if requested) and browser-version-
// as-prefix (if requested) against the image's declared browser, plus an
// optional platform match.
func (c Candidate) MatchesImage(imgBrowserName, imgBrowserVersion, imgPlatform string) bool {
	if c.BrowserName != "" && c.BrowserName != imgBrowserName {
		return false
	}
	if c.BrowserVersion != "" {
		if len(c.BrowserVersion) > len(imgBrowserVersion) || imgBrowserVersion[:len(c.BrowserVersion)] != c.BrowserVersion {
			return false
		}
	}
	if c.PlatformName != "" && c.PlatformName != "any" && imgPlatform != "" && c.PlatformName != imgPlatform {
		return false
	}
	return true
}

// MergeActual merges a driver's actualCapabilities JSON with the requested
// candidate for the response's value.capabilities (spec testable property 6:
// round-trip of requested->actual).
func MergeActual(requested Candidate, actual map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(requested.Raw)+len(actual))
	for k, v := range requested.Raw {
		out[k] = v
	}
	for k, v := range actual {
		out[k] = v
	}
	return out
}

// String renders a candidate for log lines.
func (c Candidate) String() string {
	return fmt.Sprintf("browserName=%q browserVersion=%q platformName=%q", c.BrowserName, c.BrowserVersion, c.PlatformName)
}
