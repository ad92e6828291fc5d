package api

import (
	"errors"
	"net/http"
	"strconv"

	"DramaCraft-server/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func userID(c *gin.Context) string {
	return c.GetString("userID")
}

// GetProject 读取账号项目聚合：GET /api/project
func GetProject(c *gin.Context) {
	uid := userID(c)
	rec, err := models.GetProjectRecord(models.GormDB, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	models.AppendAudit(models.GormDB, uid, "load", "ok", "")
	c.JSON(http.StatusOK, gin.H{
		"projectData": rec.Data,
		"updatedAt":   rec.Version,
	})
}

// SaveProject 带版本保存：PUT /api/project。
// 客户端带上一次见到的版本号；不一致返回 409 与服务端当前值。
func SaveProject(c *gin.Context) {
	uid := userID(c)
	var req struct {
		ProjectData models.ProjectData `json:"projectData"`
		UpdatedAt   int64              `json:"updatedAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	saved, err := models.SaveProjectRecord(models.GormDB, uid, req.ProjectData, req.UpdatedAt)
	switch {
	case errors.Is(err, models.ErrVersionConflict):
		models.AppendAudit(models.GormDB, uid, "save", "rejected", "version conflict")
		c.JSON(http.StatusConflict, gin.H{
			"projectData": saved.Data,
			"updatedAt":   saved.Version,
		})
	case err != nil:
		models.AppendAudit(models.GormDB, uid, "save", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		models.AppendAudit(models.GormDB, uid, "save", "ok", "")
		c.JSON(http.StatusOK, gin.H{"updatedAt": saved.Version})
	}
}

// ListSnapshots 历史快照列表：GET /api/project-snapshots
func ListSnapshots(c *gin.Context) {
	snaps, err := models.ListSnapshots(models.GormDB, userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

// RestoreSnapshot 回滚到某个历史版本：POST /api/project-restore
func RestoreSnapshot(c *gin.Context) {
	uid := userID(c)
	var req struct {
		Version int64 `json:"version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := models.GetSnapshot(models.GormDB, uid, req.Version)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	saved, err := models.ForceProjectRecord(models.GormDB, uid, snap.Data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	models.AppendAudit(models.GormDB, uid, "restore", "ok", "version "+strconv.FormatInt(req.Version, 10))
	c.JSON(http.StatusOK, gin.H{"updatedAt": saved.Version})
}

// ListSyncAudit 最近的同步审计：GET /api/sync-audit?limit=100
func ListSyncAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	recs, err := models.ListAudit(models.GormDB, userID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": recs})
}
