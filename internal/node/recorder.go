package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/node/caption"
)

func newByteReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func newCaptionWriter(f *os.File) *caption.Writer { return caption.NewWriter(f, time.Now()) }

// sinkPort is fixed per-session-container since the recorder and node both
// run inside the same network namespace.
const sinkPort = 9191

// startRecorder launches the screen recorder subprocess and an embedded HTTP
// sink that receives its HLS segment PUTs, forwards them to the blob store,
// and tallies bytes recorded (spec §4.I step 6).
func (s *Supervisor) startRecorder(ctx context.Context) error {
	sink := &http.Server{Addr: fmt.Sprintf(":%d", sinkPort), Handler: http.HandlerFunc(s.handleSegment)}
	go func() {
		if err := sink.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn().Err(err).Msg("recording sink server stopped")
		}
	}()
	s.recorderSink = sink

	captionPath, err := os.CreateTemp("", "sessiongrid-captions-*.vtt")
	if err == nil {
		s.captionMu.Lock()
		s.captionF = captionPath
		s.captionW = newCaptionWriter(captionPath)
		s.captionMu.Unlock()
	}

	if len(s.cfg.RecorderCmd) == 0 {
		return nil // no recorder binary configured; sink and caption writer stay up
	}

	cmd := exec.CommandContext(ctx, s.cfg.RecorderCmd[0], s.cfg.RecorderCmd[1:]...)
	logFile, err := os.CreateTemp("", "sessiongrid-recorder-*.log")
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		s.recorderLog = logFile
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.recorderProc = cmd
	return nil
}

func (s *Supervisor) handleSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	atomic.AddInt64(&s.recordingBytes, int64(len(body)))
	metrics.RecordingBytesWritten.WithLabelValues(s.cfg.SessionID).Add(float64(len(body)))

	if s.cfg.BlobStoreURL != "" {
		go s.forwardSegment(r.URL.Path, body)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Supervisor) forwardSegment(path string, body []byte) {
	url := s.cfg.BlobStoreURL + path
	req, err := http.NewRequest(http.MethodPut, url, nil)
	if err != nil {
		return
	}
	req.Body = io.NopCloser(newByteReader(body))
	req.ContentLength = int64(len(body))
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to forward recording segment to blob store")
		return
	}
	resp.Body.Close()
}

// stopRecorder runs spec §4.I shutdown step 1: forward SIGTERM to the
// recorder, wait for it to finalize, shut down the sink, upload its log.
func (s *Supervisor) stopRecorder() {
	if s.recorderProc != nil && s.recorderProc.Process != nil {
		_ = s.recorderProc.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_ = s.recorderProc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = s.recorderProc.Process.Kill()
		}
	}

	if s.recorderSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.recorderSink.Shutdown(ctx)
		cancel()
	}

	s.captionMu.Lock()
	if s.captionF != nil {
		_ = s.captionF.Close()
	}
	s.captionMu.Unlock()

	if s.recorderLog != nil {
		_ = s.recorderLog.Close()
		if s.cfg.BlobStoreURL != "" {
			go s.uploadFile(s.recorderLog.Name(), "/logs/"+s.cfg.SessionID+".log")
		}
	}
}

func (s *Supervisor) uploadFile(localPath, remotePath string) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPut, s.cfg.BlobStoreURL+remotePath, newByteReader(data))
	if err != nil {
		return
	}
	req.ContentLength = int64(len(data))
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("path", remotePath).Msg("failed to upload recorder log")
		return
	}
	resp.Body.Close()
}
