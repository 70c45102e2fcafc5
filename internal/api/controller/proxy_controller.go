package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/bassista/go_offline/internal/logger"
	"github.com/bassista/go_offline/internal/strategy"
	"github.com/bassista/go_offline/internal/upstream"
	"github.com/bassista/go_offline/internal/worker"
	"github.com/gin-gonic/gin"
)

// Dispatcher routes one event through the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev worker.Event) (worker.Outcome, error)
}

// ProxyController forwards every request that is not a local endpoint to the
// worker's fetch handler.
type ProxyController struct {
	worker Dispatcher
}

func NewProxyController(w Dispatcher) *ProxyController {
	return &ProxyController{worker: w}
}

// Forward writes the worker's answer (network, cache, fallback or queue).
func (pc *ProxyController) Forward(c *gin.Context) {
	out, err := pc.worker.Dispatch(c.Request.Context(), worker.Event{Kind: worker.KindFetch, Request: c.Request})
	if err != nil {
		switch {
		case upstream.IsNetworkError(err):
			logger.WithComponent("proxy_controller").Debugf("%s %s unreachable: %v", c.Request.Method, c.Request.URL.Path, err)
			c.Header(strategy.HeaderSource, string(strategy.SourceNetwork))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream unreachable", "offline": true})
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timeout"})
		default:
			logger.WithComponent("proxy_controller").Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "proxy error"})
		}
		return
	}
	writeResult(c, out.Response)
}

func writeResult(c *gin.Context, res *strategy.Result) {
	if res == nil {
		c.Status(http.StatusNoContent)
		return
	}
	h := upstream.CleanHeader(res.Header)
	h.Del("Content-Length")
	for k, vs := range h {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(res.Status)
	if c.Request.Method == http.MethodHead || len(res.Body) == 0 {
		return
	}
	_, _ = c.Writer.Write(res.Body)
}
