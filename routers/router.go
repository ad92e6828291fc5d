package routers

import (
	"net/http"
	"strings"

	"DramaCraft-server/routers/api"

	"github.com/gin-gonic/gin"
)

// authRequired 解析 Bearer token。token 本身即账号键，
// 真正的令牌校验在网关完成，这里只做存在性检查。
func authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		c.Set("userID", strings.TrimSpace(token))
		c.Next()
	}
}

func InitRouter() *gin.Engine {
	r := gin.Default()
	a := r.Group("/api", authRequired())
	{
		a.GET("/project", api.GetProject)
		a.PUT("/project", api.SaveProject)
		a.POST("/project/import", api.ImportScript)
		a.GET("/project-snapshots", api.ListSnapshots)
		a.POST("/project-restore", api.RestoreSnapshot)
		a.GET("/sync-audit", api.ListSyncAudit)

		a.GET("/secrets", api.GetSecrets)
		a.PUT("/secrets", api.SaveSecrets)

		a.POST("/generate/:phase", api.TriggerPhase)
		a.POST("/generate-cancel", api.CancelPhase)
	}
	r.GET("/api/status/ws", api.StatusWebSocket)
	return r
}
