package models

import (
	"errors"
	"log"
	"time"

	"DramaCraft-server/config"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var GormDB *gorm.DB

// ErrVersionConflict 表示 PUT 携带的版本号与服务端当前版本不一致（乐观并发失败）
var ErrVersionConflict = errors.New("version conflict")

// ProjectRecord 每个账号一份的项目聚合，Data 整体存 JSON，Version 用于乐观并发
type ProjectRecord struct {
	UserID    string      `gorm:"primaryKey;type:varchar(128)" json:"userId"`
	Data      ProjectData `gorm:"type:json" json:"projectData"`
	Version   int64       `json:"updatedAt"`
	UpdatedAt time.Time   `json:"-"`
}

func (ProjectRecord) TableName() string { return "project_record" }

// SecretsRecord 账号密钥，服务端按 last-writer-wins 处理
type SecretsRecord struct {
	UserID    string    `gorm:"primaryKey;type:varchar(128)" json:"userId"`
	Secrets   Secrets   `gorm:"embedded" json:"secrets"`
	Version   int64     `json:"updatedAt"`
	DeviceID  string    `gorm:"type:varchar(64)" json:"deviceId,omitempty"`
	OpID      string    `gorm:"type:varchar(64)" json:"opId,omitempty"`
	UpdatedAt time.Time `json:"-"`
}

func (SecretsRecord) TableName() string { return "secrets_record" }

// SnapshotRecord 历史快照，每次接受 PUT 时追加，按账号保留最近 N 份
type SnapshotRecord struct {
	ID        string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string      `gorm:"index;type:varchar(128)" json:"userId"`
	Version   int64       `json:"version"`
	Data      ProjectData `gorm:"type:json" json:"-"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (SnapshotRecord) TableName() string { return "snapshot_record" }

// SyncAuditRecord 同步操作审计，只追加
type SyncAuditRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string    `gorm:"index;type:varchar(128)" json:"userId"`
	Action    string    `gorm:"type:varchar(32)" json:"action"` // load / save / conflict / restore
	Status    string    `gorm:"type:varchar(32)" json:"status"` // ok / rejected / error
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (SyncAuditRecord) TableName() string { return "sync_audit_record" }

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	db, err := gorm.Open(mysql.Open(config.AppConfig.MySQL.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("获取底层连接失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&ProjectRecord{}, &SecretsRecord{}, &SnapshotRecord{}, &SyncAuditRecord{}); err != nil {
		log.Fatalf("建表失败: %v", err)
	}
	GormDB = db
	log.Println("数据库连接成功 (GORM)")
}

// nextVersion 生成单调递增的版本号（毫秒时间戳，与旧版本冲突时 +1）
func nextVersion(prev int64) int64 {
	v := time.Now().UnixMilli()
	if v <= prev {
		v = prev + 1
	}
	return v
}

// isDuplicateKey 两个端同时首次写入时 Create 会撞主键（MySQL 1062）
func isDuplicateKey(err error) bool {
	var me *gomysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// GetProjectRecord 读取账号项目，不存在返回 gorm.ErrRecordNotFound
func GetProjectRecord(db *gorm.DB, userID string) (*ProjectRecord, error) {
	var rec ProjectRecord
	if err := db.First(&rec, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveProjectRecord 带版本比较的保存。baseVersion 与当前版本不一致时
// 返回 ErrVersionConflict 以及服务端当前记录，由调用方按 409 语义回传。
func SaveProjectRecord(db *gorm.DB, userID string, data ProjectData, baseVersion int64) (*ProjectRecord, error) {
	var saved *ProjectRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		var cur ProjectRecord
		err := tx.First(&cur, "user_id = ?", userID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec := ProjectRecord{UserID: userID, Data: data, Version: nextVersion(0)}
			if err := tx.Create(&rec).Error; err != nil {
				if isDuplicateKey(err) {
					if ferr := tx.First(&cur, "user_id = ?", userID).Error; ferr != nil {
						return ferr
					}
					saved = &cur
					return ErrVersionConflict
				}
				return err
			}
			saved = &rec
		case err != nil:
			return err
		default:
			if cur.Version != baseVersion {
				saved = &cur
				return ErrVersionConflict
			}
			cur.Data = data
			cur.Version = nextVersion(cur.Version)
			if err := tx.Save(&cur).Error; err != nil {
				return err
			}
			saved = &cur
		}
		return appendSnapshot(tx, userID, saved)
	})
	if err != nil {
		return saved, err
	}
	return saved, nil
}

// ForceProjectRecord 无条件覆盖（历史快照恢复用），同样推进版本号
func ForceProjectRecord(db *gorm.DB, userID string, data ProjectData) (*ProjectRecord, error) {
	var saved *ProjectRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		var cur ProjectRecord
		err := tx.First(&cur, "user_id = ?", userID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		cur.UserID = userID
		cur.Data = data
		cur.Version = nextVersion(cur.Version)
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}
		saved = &cur
		return appendSnapshot(tx, userID, saved)
	})
	return saved, err
}

func appendSnapshot(tx *gorm.DB, userID string, rec *ProjectRecord) error {
	snap := SnapshotRecord{
		ID:      NewID(),
		UserID:  userID,
		Version: rec.Version,
		Data:    rec.Data,
	}
	if err := tx.Create(&snap).Error; err != nil {
		return err
	}
	return trimSnapshots(tx, userID)
}

func trimSnapshots(tx *gorm.DB, userID string) error {
	limit := 20
	if config.AppConfig != nil && config.AppConfig.Sync.SnapshotLimit > 0 {
		limit = config.AppConfig.Sync.SnapshotLimit
	}
	var ids []string
	if err := tx.Model(&SnapshotRecord{}).
		Where("user_id = ?", userID).
		Order("version DESC").
		Offset(limit).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.Delete(&SnapshotRecord{}, "id IN ?", ids).Error
}

// ListSnapshots 按版本倒序列出历史快照（不含数据体）
func ListSnapshots(db *gorm.DB, userID string) ([]SnapshotRecord, error) {
	var snaps []SnapshotRecord
	err := db.Select("id", "user_id", "version", "created_at").
		Where("user_id = ?", userID).
		Order("version DESC").
		Find(&snaps).Error
	return snaps, err
}

// GetSnapshot 按版本取一份历史快照
func GetSnapshot(db *gorm.DB, userID string, version int64) (*SnapshotRecord, error) {
	var snap SnapshotRecord
	if err := db.First(&snap, "user_id = ? AND version = ?", userID, version).Error; err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetSecretsRecord 读取账号密钥
func GetSecretsRecord(db *gorm.DB, userID string) (*SecretsRecord, error) {
	var rec SecretsRecord
	if err := db.First(&rec, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveSecretsRecord 密钥保存，同样带版本比较；冲突时返回服务端当前值。
// 密钥没有可合并的内容，客户端收到 409 直接采用服务端值。
func SaveSecretsRecord(db *gorm.DB, userID string, secrets Secrets, baseVersion int64, deviceID, opID string) (*SecretsRecord, error) {
	var saved *SecretsRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		var cur SecretsRecord
		err := tx.First(&cur, "user_id = ?", userID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec := SecretsRecord{UserID: userID, Secrets: secrets, Version: nextVersion(0), DeviceID: deviceID, OpID: opID}
			if err := tx.Create(&rec).Error; err != nil {
				if isDuplicateKey(err) {
					if ferr := tx.First(&cur, "user_id = ?", userID).Error; ferr != nil {
						return ferr
					}
					saved = &cur
					return ErrVersionConflict
				}
				return err
			}
			saved = &rec
		case err != nil:
			return err
		default:
			// 同一设备重放同一 opId 视为幂等成功
			if opID != "" && cur.OpID == opID && cur.DeviceID == deviceID {
				saved = &cur
				return nil
			}
			if cur.Version != baseVersion {
				saved = &cur
				return ErrVersionConflict
			}
			cur.Secrets = secrets
			cur.Version = nextVersion(cur.Version)
			cur.DeviceID = deviceID
			cur.OpID = opID
			if err := tx.Save(&cur).Error; err != nil {
				return err
			}
			saved = &cur
		}
		return nil
	})
	return saved, err
}

// AppendAudit 追加一条同步审计，失败只打日志不影响主流程
func AppendAudit(db *gorm.DB, userID, action, status, detail string) {
	rec := SyncAuditRecord{ID: NewID(), UserID: userID, Action: action, Status: status, Detail: detail}
	if err := db.Create(&rec).Error; err != nil {
		log.Printf("写入同步审计失败: %v", err)
	}
}

// ListAudit 最近 limit 条审计记录
func ListAudit(db *gorm.DB, userID string, limit int) ([]SyncAuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []SyncAuditRecord
	err := db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
