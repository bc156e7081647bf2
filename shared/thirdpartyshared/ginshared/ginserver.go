package ginshared

import (
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

func NewBareMetalGinServer(engine *gin.Engine) *http.Server {
	return &http.Server{Handler: engine}
}

// ServeBareMetalGinServer blocks until server is shut down, a graceful shutdown returns nil.
func ServeBareMetalGinServer(server *http.Server, l net.Listener) error {
	if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
