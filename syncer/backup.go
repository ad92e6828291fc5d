package syncer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"DramaCraft-server/models"
)

// 备份槽位键：冲突抉择或 409 覆盖前，落败一侧写入对应槽位
const (
	BackupKeyLocal  = "local_backup"
	BackupKeyRemote = "remote_backup"
)

// BackupStore 落败快照的存放处
type BackupStore interface {
	SaveProjectBackup(key string, data models.ProjectData) error
}

// FileBackup 把备份写成本地 JSON 文件（按槽位覆盖，另存一份带时间戳的副本）
type FileBackup struct {
	Dir string
}

func (f *FileBackup) SaveProjectBackup(key string, data models.ProjectData) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(f.Dir, key+".json"), b, 0o644); err != nil {
		return err
	}
	stamped := fmt.Sprintf("%s-%d.json", key, time.Now().UnixMilli())
	return os.WriteFile(filepath.Join(f.Dir, stamped), b, 0o644)
}
