package api

import (
	"errors"
	"net/http"

	"DramaCraft-server/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// GetSecrets 读取账号密钥：GET /api/secrets
func GetSecrets(c *gin.Context) {
	rec, err := models.GetSecretsRecord(models.GormDB, userID(c))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "secrets not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"secrets":   rec.Secrets,
		"updatedAt": rec.Version,
	})
}

// SaveSecrets 带版本保存密钥：PUT /api/secrets。
// 密钥没有可合并的内容，冲突时返回 409 与服务端当前值（客户端直接采用）。
// 同设备同 opId 的重放视为幂等成功。
func SaveSecrets(c *gin.Context) {
	uid := userID(c)
	deviceID := c.GetHeader("x-device-id")
	var req struct {
		Secrets   models.Secrets `json:"secrets"`
		UpdatedAt int64          `json:"updatedAt"`
		OpID      string         `json:"opId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	saved, err := models.SaveSecretsRecord(models.GormDB, uid, req.Secrets, req.UpdatedAt, deviceID, req.OpID)
	switch {
	case errors.Is(err, models.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"secrets":   saved.Secrets,
			"updatedAt": saved.Version,
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"updatedAt": saved.Version})
	}
}
