// Package node implements the Node Supervisor from spec §4.I: it runs
// inside the session container, launches the driver subprocess, proxies
// WebDriver traffic to it while translating session ids, intercepts a
// handful of special-cased requests (cookie-carried captions/metadata,
// file uploads, session/window deletion), and drives the screen recorder.
package node

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/discovery"
	"github.com/streamspace/sessiongrid/internal/events"
	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/node/caption"
	"github.com/streamspace/sessiongrid/internal/session"
)

const (
	cookieMessage       = "webgrid:message"
	cookieMetadataPrefix = "webgrid:metadata.session:"
)

// Supervisor is one running Node process, bound to exactly one session.
type Supervisor struct {
	cfg Config
	b   broker.Broker
	hb  *heartbeat.Engine
	log zerolog.Logger

	heart      *Heart
	internalID string

	captionMu sync.Mutex
	captionW  *caption.Writer
	captionF  *os.File

	metadataMu sync.Mutex
	metadata   map[string]string

	recordingBytes int64

	driverProc   *exec.Cmd
	recorderProc *exec.Cmd
	recorderSink *http.Server
	recorderLog  *os.File
	advertiser   *discovery.Advertiser

	logs *logTail
}

// New builds a Supervisor.
func New(b broker.Broker, hb *heartbeat.Engine, cfg Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		b:        b,
		hb:       hb,
		log:      logging.Session(logging.Component("node"), cfg.SessionID),
		metadata: map[string]string{},
		logs:     newLogTail(),
	}
}

// Run executes the full startup sequence, serves the local HTTP proxy until
// the heart dies, then runs the shutdown sequence. It returns when shutdown
// is complete.
func (s *Supervisor) Run(ctx context.Context, requestedCapabilities []byte) error {
	if err := s.launchDriver(ctx); err != nil {
		return s.abortStartup(ctx, err)
	}

	internalID, actual, err := s.createDriverSession(ctx, requestedCapabilities)
	if err != nil {
		return s.abortStartup(ctx, err)
	}
	s.internalID = internalID

	if err := s.b.Set(ctx, session.UpstreamKey(s.cfg.SessionID), s.upstreamJSON(), 0); err != nil {
		return s.abortStartup(ctx, err)
	}
	if err := s.b.Set(ctx, session.ActualCapabilitiesKey(s.cfg.SessionID), string(actual), 0); err != nil {
		return s.abortStartup(ctx, err)
	}

	s.heart = NewHeart(s.cfg.InitialHeart, s.cfg.IdleHeart)
	s.hb.AddBeat(session.HeartbeatNodeKey(s.cfg.SessionID), s.cfg.HeartbeatRefresh, s.cfg.HeartbeatExpire)

	adv, err := discovery.Advertise(ctx, s.b, discovery.Descriptor{Kind: "node", ID: s.cfg.SessionID}, s.cfg.NodeHost, s.cfg.NodePort)
	if err != nil {
		return s.abortStartup(ctx, err)
	}
	s.advertiser = adv

	if !s.cfg.DisableRecording {
		if err := s.startRecorder(ctx); err != nil {
			s.log.Warn().Err(err).Msg("recorder failed to start, continuing without recording")
		}
	}

	server := &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.NodePort), Handler: s.handler()}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("node proxy server stopped")
		}
	}()

	if err := s.publish(ctx, events.QueueSessionOperational, events.SessionOperational{ID: s.cfg.SessionID, ActualCapabilities: actual}); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish SessionOperational")
	}

	var reason DeathReason
	select {
	case reason = <-s.heart.Died():
	case <-ctx.Done():
		reason = DeathTerminated
	}

	_ = server.Shutdown(context.Background())
	s.hb.StopBeat(session.HeartbeatNodeKey(s.cfg.SessionID))
	if s.advertiser != nil {
		_ = s.advertiser.Close()
	}

	return s.shutdown(context.Background(), reason, nil)
}

func (s *Supervisor) upstreamJSON() string {
	b, _ := json.Marshal(session.Endpoint{Host: s.cfg.NodeHost, Port: s.cfg.NodePort})
	return string(b)
}

// launchDriver starts the driver subprocess and polls its /status endpoint
// until it returns 200 or startupTimeout lapses (spec §4.I step 1).
func (s *Supervisor) launchDriver(ctx context.Context) error {
	if len(s.cfg.DriverCmd) == 0 {
		return gridcore.New(gridcore.KindStartupTimeout, "no driver command configured", nil)
	}
	cmd := exec.CommandContext(ctx, s.cfg.DriverCmd[0], s.cfg.DriverCmd[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return gridcore.New(gridcore.KindStartupTimeout, "launch driver subprocess", err)
	}
	s.driverProc = cmd

	client := &http.Client{Timeout: time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/status", s.cfg.DriverPort)
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return gridcore.New(gridcore.KindStartupTimeout, "driver did not become healthy in time", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// createDriverSession POSTs /session to the driver and resizes its window
// (spec §4.I step 2).
func (s *Supervisor) createDriverSession(ctx context.Context, requestedCapabilities []byte) (string, json.RawMessage, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/session", s.cfg.DriverPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestedCapabilities))
	if err != nil {
		return "", nil, gridcore.New(gridcore.KindIoError, "build driver session request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return "", nil, gridcore.New(gridcore.KindStartupTimeout, "driver session request failed", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Value struct {
			SessionID    string          `json:"sessionId"`
			Capabilities json.RawMessage `json:"capabilities"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, gridcore.New(gridcore.KindParseError, "malformed driver session response", err)
	}
	if parsed.Value.SessionID == "" {
		return "", nil, gridcore.New(gridcore.KindProvisioningFailed, "driver did not return a session id", nil)
	}

	resizeURL := fmt.Sprintf("http://127.0.0.1:%d/session/%s/window/rect", s.cfg.DriverPort, parsed.Value.SessionID)
	resizeBody, _ := json.Marshal(map[string]int{"x": 0, "y": 0, "width": 1920, "height": 1080})
	resizeReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, resizeURL, bytes.NewReader(resizeBody))
	resizeReq.Header.Set("Content-Type", "application/json")
	if resp2, err := (&http.Client{Timeout: 10 * time.Second}).Do(resizeReq); err == nil {
		resp2.Body.Close()
	}

	return parsed.Value.SessionID, parsed.Value.Capabilities, nil
}

func (s *Supervisor) abortStartup(ctx context.Context, cause error) error {
	return s.shutdown(ctx, "", cause)
}

// shutdown runs the post-heart-death sequence (spec §4.I shutdown
// sequence): stop the recorder, kill the driver, publish SessionTerminated
// with the reason mapped from the death cause.
func (s *Supervisor) shutdown(ctx context.Context, reason DeathReason, startupErr error) error {
	s.stopRecorder()

	if s.driverProc != nil && s.driverProc.Process != nil {
		_ = s.driverProc.Process.Kill()
	}

	var wdReason events.TerminationReason
	var errMsg string
	switch {
	case startupErr != nil:
		wdReason = events.ReasonStartupFailed
		errMsg = startupErr.Error()
	case reason == DeathLifetimeExceeded:
		wdReason = events.ReasonIdleTimeoutReached
	case reason == DeathKilled:
		wdReason = events.ReasonClosedByClient
	default:
		wdReason = events.ReasonTerminatedExternally
	}

	payload := events.SessionTerminated{
		ID:             s.cfg.SessionID,
		Reason:         wdReason,
		Error:          errMsg,
		RecordingBytes: atomic.LoadInt64(&s.recordingBytes),
	}
	if err := s.publish(ctx, events.QueueSessionTerminated, payload); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish SessionTerminated")
	}
	if startupErr != nil {
		return startupErr
	}
	return nil
}

func (s *Supervisor) publish(ctx context.Context, queue string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return gridcore.New(gridcore.KindIoError, "marshal event", err)
	}
	return s.b.Publish(ctx, queue, payload)
}

// handler builds the local HTTP server from spec §4.I step 4: translate
// /session/{external}/* to /session/{internal}/*, intercept a handful of
// special paths, reverse-proxy everything else to the driver verbatim, and
// reset the idle heart on every request.
func (s *Supervisor) handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "up"}) })
	r.GET("/session/:external/ws/logs", s.tailLogs)
	r.Any("/session/:external/*rest", s.proxyToDriver)
	r.DELETE("/session/:external", s.proxyToDriver)
	return r
}

func (s *Supervisor) proxyToDriver(c *gin.Context) {
	if s.heart != nil {
		s.heart.Beat()
	}

	external := c.Param("external")
	rest := c.Param("rest")

	if strings.HasSuffix(c.Request.URL.Path, "/cookie") && c.Request.Method == http.MethodPost {
		if s.interceptCookie(c) {
			return
		}
	}
	if strings.HasSuffix(c.Request.URL.Path, "/se/file") && c.Request.Method == http.MethodPost {
		s.interceptFileUpload(c)
		return
	}

	internalPath := fmt.Sprintf("/session/%s%s", s.internalID, rest)
	body, _ := io.ReadAll(c.Request.Body)

	url := fmt.Sprintf("http://127.0.0.1:%d%s", s.cfg.DriverPort, internalPath)
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, bytes.NewReader(body))
	if err != nil {
		c.AbortWithStatus(http.StatusBadGateway)
		return
	}
	req.Header = c.Request.Header.Clone()

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		c.AbortWithStatus(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	for k, vals := range resp.Header {
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)
	c.Writer.Write(respBody)

	s.checkForSessionEnd(c.Request.Method, external, c.Request.URL.Path, resp.StatusCode, respBody)
}

// checkForSessionEnd terminates the heart when the client deletes the
// session, or deletes the window and it was the last one open (spec §4.I
// step 4's "On response body ... terminates the heart" rule).
func (s *Supervisor) checkForSessionEnd(method, sessionSegment, path string, status int, respBody []byte) {
	if method != http.MethodDelete {
		return
	}
	if strings.HasSuffix(path, "/session/"+sessionSegment) && status == http.StatusOK {
		s.heart.Kill(DeathKilled)
		return
	}
	if strings.HasSuffix(path, "/window") {
		var parsed struct {
			Value []interface{} `json:"value"`
		}
		if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.Value) == 0 {
			s.heart.Kill(DeathKilled)
		}
	}
}

// interceptCookie handles spec §4.I step 4's cookie interception: a
// `webgrid:message` cookie routes to the caption writer, a
// `webgrid:metadata.session:` prefix stores under session metadata.
func (s *Supervisor) interceptCookie(c *gin.Context) bool {
	var parsed struct {
		Cookie struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"cookie"`
	}
	body, _ := io.ReadAll(c.Request.Body)
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		return false
	}

	switch {
	case parsed.Cookie.Name == cookieMessage:
		s.captionMu.Lock()
		if s.captionW != nil {
			_ = s.captionW.WriteMessage(parsed.Cookie.Value, time.Now(), 3*time.Second)
		}
		s.captionMu.Unlock()
		s.logs.publish(parsed.Cookie.Value)
		c.JSON(http.StatusOK, gin.H{"value": nil})
		return true

	case strings.HasPrefix(parsed.Cookie.Name, cookieMetadataPrefix):
		key := strings.TrimPrefix(parsed.Cookie.Name, cookieMetadataPrefix)
		s.metadataMu.Lock()
		s.metadata[key] = parsed.Cookie.Value
		metaCopy := make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			metaCopy[k] = v
		}
		s.metadataMu.Unlock()
		go func() {
			_ = s.publish(context.Background(), events.QueueSessionMetadataModified,
				events.SessionMetadataModified{ID: s.cfg.SessionID, Metadata: metaCopy})
		}()
		c.JSON(http.StatusOK, gin.H{"value": nil})
		return true
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return false
}

// interceptFileUpload implements spec §4.I step 4's se/file handling:
// base64-decode the body, inflate the first ZIP entry into a temp
// directory, and respond with its absolute path.
func (s *Supervisor) interceptFileUpload(c *gin.Context) {
	var parsed struct {
		File string `json:"file"`
	}
	if err := c.ShouldBindJSON(&parsed); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"value": nil, "error": "malformed upload"})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(parsed.File)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"value": nil, "error": "malformed base64"})
		return
	}

	path, err := inflateFirstZipEntry(raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"value": nil, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"value": path})
}
