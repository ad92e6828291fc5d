package api

import (
	"net/http"
	"strings"
	"time"

	"DramaCraft-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// statusPayload 推送给客户端的进度视图：项目版本 + 每集状态
type statusPayload struct {
	UpdatedAt int64           `json:"updatedAt"`
	Episodes  []episodeStatus `json:"episodes"`
}

type episodeStatus struct {
	ID       int    `json:"id"`
	Status   string `json:"status,omitempty"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	Shots    int    `json:"shots"`
}

func statusOf(rec *models.ProjectRecord) statusPayload {
	p := statusPayload{UpdatedAt: rec.Version}
	for i := range rec.Data.Episodes {
		ep := &rec.Data.Episodes[i]
		p.Episodes = append(p.Episodes, episodeStatus{
			ID:       ep.ID,
			Status:   ep.Status,
			ErrorMsg: ep.ErrorMsg,
			Shots:    len(ep.Shots),
		})
	}
	return p
}

// StatusWebSocket 进度 WebSocket 推送：GET /api/status/ws?token=...
// 以数据库为来源，每秒轮询一次，版本号变化时推送最新进度。
func StatusWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if strings.TrimSpace(token) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	uid := strings.TrimSpace(token)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	// 先推一次当前状态
	var prevVersion int64 = -1
	if rec, err := models.GetProjectRecord(models.GormDB, uid); err == nil {
		_ = conn.WriteJSON(statusOf(rec))
		prevVersion = rec.Version
	} else {
		_ = conn.WriteJSON(gin.H{"error": "project not found"})
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		rec, err := models.GetProjectRecord(models.GormDB, uid)
		if err != nil {
			// 查询失败继续重试
			continue
		}
		if rec.Version != prevVersion {
			if err := conn.WriteJSON(statusOf(rec)); err != nil {
				break
			}
			prevVersion = rec.Version
		}
	}
}
