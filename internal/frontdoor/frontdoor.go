// Package frontdoor implements the public reverse-proxy plane from spec
// §4.E: a single Gin server that dispatches every inbound request to the
// right upstream (manager, api, storage, or a node's session) purely by URL
// shape, stripping hop-by-hop headers and appending Forwarded/Via.
package frontdoor

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/auth"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/routing"
)

// hopByHop headers must never be forwarded, per RFC 7230 §6.1.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// sessionPathPattern matches "/session/{id}/..." and "/wd/hub/session/{id}/..."
// shapes, from which the session id (routing key for role node) is extracted.
var sessionPathPattern = regexp.MustCompile(`/session/([0-9a-fA-F-]+)`)

// Server is the frontdoor proxy.
type Server struct {
	router             *routing.Table
	log                zerolog.Logger
	client             *http.Client
	verifier           *auth.SecretVerifier
	registrationSecret string // bcrypt hash; empty disables the registration gate
}

// New builds a Server that dispatches using table. registrationSecretHash is
// the bcrypt hash provisioners must present to self-register (spec note on
// golang.org/x/crypto wiring); pass "" to leave registration open.
func New(table *routing.Table, registrationSecretHash string) *Server {
	return &Server{
		router:             table,
		log:                logging.Component("frontdoor"),
		client:             &http.Client{Timeout: 60 * time.Second},
		verifier:           auth.NewSecretVerifier(),
		registrationSecret: registrationSecretHash,
	}
}

// Handler returns the Gin engine ready to be served.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.NoRoute(s.dispatch)
	r.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "up"}) })
	r.POST("/internal/provisioners/register", s.registerProvisioner)
	return r
}

// registerProvisioner gates a provisioner's first contact with the grid
// behind a shared secret, per SPEC_FULL.md's provisioner-registration
// authentication seam. A provisioner that fails this check never reaches
// the broker-side registration Service.New performs.
func (s *Server) registerProvisioner(c *gin.Context) {
	if s.registrationSecret == "" {
		c.Status(http.StatusOK)
		return
	}
	presented := c.GetHeader("X-Provisioner-Secret")
	if presented == "" || !s.verifier.Verify(presented, s.registrationSecret) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid provisioner secret"})
		return
	}
	c.Status(http.StatusOK)
}

// dispatch picks the upstream role for the request's URL shape and proxies
// to it, per spec §4.E's routing table:
//
//	/session (POST)            -> manager   (session creation)
//	/session/{id}/...          -> node      (session traffic, keyed by id)
//	/wd/hub/session...         -> node      (legacy WebDriver prefix, same rule)
//	/storage/...               -> storage
//	/api/...                   -> api
func (s *Server) dispatch(c *gin.Context) {
	path := c.Request.URL.Path

	var role routing.Role
	var key string

	match := sessionPathPattern.FindStringSubmatch(path)

	switch {
	case match != nil:
		role = routing.RoleNode
		key = match[1]
	case path == "/session" && c.Request.Method == http.MethodPost:
		role = routing.RoleManager
	case strings.HasPrefix(path, "/storage/"):
		role = routing.RoleStorage
	case strings.HasPrefix(path, "/api/"):
		role = routing.RoleAPI
	default:
		role = routing.RoleManager
	}

	endpoint, ok := s.router.Pick(role, key)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "no upstream available for " + string(role)})
		return
	}

	if err := s.proxy(c, endpoint.Host, endpoint.Port); err != nil {
		s.log.Warn().Err(err).Str("role", string(role)).Str("path", path).Msg("upstream proxy failed")
		if endpoint.Unreachable != nil {
			endpoint.Unreachable()
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upstream unreachable"})
	}
}

func (s *Server) proxy(c *gin.Context, host string, port int) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}

	url := "http://" + host + ":" + strconv.Itoa(port) + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	copyHeaders(req.Header, c.Request.Header)
	appendForwarded(req.Header, c.ClientIP(), c.Request.Host)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		if hopByHop[k] {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	_, err = io.Copy(c.Writer, resp.Body)
	return err
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if hopByHop[k] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func appendForwarded(h http.Header, clientIP, host string) {
	forwarded := "for=" + clientIP + "; host=" + host + "; proto=http"
	if existing := h.Get("Forwarded"); existing != "" {
		h.Set("Forwarded", existing+", "+forwarded)
	} else {
		h.Set("Forwarded", forwarded)
	}
	h.Set("Via", "1.1 sessiongrid-frontdoor")
}
