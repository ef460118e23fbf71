package manager

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/sessiongrid/internal/session"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

// Handler returns the Gin engine exposing POST /session, the single surface
// the session manager task is triggered from.
func Handler(t *Task) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "up"}) })
	r.POST("/session", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, webdriver.NewErrorResponse(err))
			return
		}
		client := session.ClientInfo{Host: c.ClientIP(), UserAgent: c.Request.UserAgent()}

		resp, err := t.Create(c.Request.Context(), client, body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, webdriver.NewErrorResponse(err))
			return
		}
		c.JSON(http.StatusOK, resp)
	})
	return r
}
