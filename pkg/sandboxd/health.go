package sandboxd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// userAppProbeTimeout bounds one local probe of the dev process.
const userAppProbeTimeout = 2 * time.Second

// handleHealth is the outer liveness endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "sandboxd",
		"uptime":    time.Since(s.started).String(),
	})
}

// handleHealthServices reports the bridging API and the user's application
// independently. Readiness gates on both.
func (s *Server) handleHealthServices(c *gin.Context) {
	var report types.HealthReport

	// The API side is healthy by construction if this handler runs.
	report.Services.ContainerAPI = types.ServiceHealth{Healthy: true}
	report.Services.UserApp = s.probeUserApp()
	report.Overall.Healthy = report.Services.ContainerAPI.Healthy && report.Services.UserApp.Healthy

	c.JSON(http.StatusOK, report)
}

// probeUserApp checks the supervised dev process over local HTTP. Any HTTP
// response counts as alive; error pages still mean the process serves.
func (s *Server) probeUserApp() types.ServiceHealth {
	if s.supervisor != nil && !s.supervisor.State().Running {
		return types.ServiceHealth{Healthy: false, Detail: "dev process not running"}
	}

	client := &http.Client{Timeout: userAppProbeTimeout}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/", s.config.DevPort))
	if err != nil {
		return types.ServiceHealth{Healthy: false, Detail: err.Error()}
	}
	resp.Body.Close()

	return types.ServiceHealth{Healthy: true}
}
