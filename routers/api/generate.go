package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"DramaCraft-server/models"
	"DramaCraft-server/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ImportScript 导入剧本原文并初始化项目：POST /api/project/import
// 已有项目且非空时拒绝覆盖，避免误操作抹掉进度。
func ImportScript(c *gin.Context) {
	uid := userID(c)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty script"})
		return
	}
	var req struct {
		FileName string `json:"fileName"`
		Script   string `json:"script"`
	}
	// JSON 包裹和纯文本 body 都接受
	if jerr := json.Unmarshal(body, &req); jerr != nil || req.Script == "" {
		req.Script = string(body)
	}

	if rec, err := models.GetProjectRecord(models.GormDB, uid); err == nil && !rec.Data.IsEmpty() {
		c.JSON(http.StatusConflict, gin.H{"error": "project already exists, restore or clear it first"})
		return
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	data, err := service.ParseScript(req.FileName, req.Script)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := models.ForceProjectRecord(models.GormDB, uid, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	models.AppendAudit(models.GormDB, uid, "save", "ok", "script imported")
	c.JSON(http.StatusOK, gin.H{
		"episodes":  len(data.Episodes),
		"updatedAt": saved.Version,
	})
}

// TriggerPhase 触发一次服务端阶段执行：POST /api/generate/:phase
func TriggerPhase(c *gin.Context) {
	uid := userID(c)
	phase := c.Param("phase")
	switch phase {
	case service.PhaseAnalysis, service.PhaseShots, service.PhaseSora, service.PhaseStoryboard, service.PhaseVideoSubmit:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown phase: " + phase})
		return
	}

	var req struct {
		EpisodeIndex int    `json:"episodeIndex"`
		ShotID       string `json:"shotId"`
		Force        bool   `json:"force"`
		Auto         bool   `json:"auto"`
	}
	req.EpisodeIndex = -1
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	err := service.EnqueuePhaseRun(service.PhasePayload{
		UserID:       uid,
		Phase:        phase,
		EpisodeIndex: req.EpisodeIndex,
		ShotID:       req.ShotID,
		Force:        req.Force,
		Auto:         req.Auto,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"phase": phase})
}

// CancelPhase 取消正在执行的阶段：POST /api/generate-cancel
func CancelPhase(c *gin.Context) {
	found := service.CancelPhaseRun(userID(c))
	c.JSON(http.StatusOK, gin.H{"canceled": found})
}
