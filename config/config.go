package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	AI struct {
		TextAPI  string `yaml:"text_api"`  // 文本生成服务地址（分镜/提示词/摘要）
		MultiAPI string `yaml:"multi_api"` // 多模态服务地址（参考图）
		VideoAPI string `yaml:"video_api"` // 视频生成服务地址（提交 + 状态查询）
	} `yaml:"ai"`
	Sync struct {
		Enabled        bool     `yaml:"enabled"`
		RolloutPercent int      `yaml:"rollout_percent"` // 0-100，灰度放量
		Allowlist      []string `yaml:"allowlist"`       // 强制开启同步的账号
		DebounceMs     int      `yaml:"debounce_ms"`     // 项目通道保存防抖
		PollIntervalS  int      `yaml:"poll_interval_s"` // 视频轮询间隔（秒）
		SnapshotLimit  int      `yaml:"snapshot_limit"`  // 每个账号保留的历史快照数
	} `yaml:"sync"`
}

var AppConfig *Config

func InitConfig() {
	// .env 可覆盖配置文件路径，便于本地调试
	_ = godotenv.Load()
	path := os.Getenv("DRAMACRAFT_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}
	applyDefaults(AppConfig)
}

func applyDefaults(c *Config) {
	if c.Sync.DebounceMs <= 0 {
		c.Sync.DebounceMs = 1200
	}
	if c.Sync.PollIntervalS <= 0 {
		c.Sync.PollIntervalS = 5
	}
	if c.Sync.SnapshotLimit <= 0 {
		c.Sync.SnapshotLimit = 20
	}
	if c.Sync.RolloutPercent < 0 {
		c.Sync.RolloutPercent = 0
	}
	if c.Sync.RolloutPercent > 100 {
		c.Sync.RolloutPercent = 100
	}
}

// SyncEnabledFor 判断某账号是否在同步灰度范围内。
// 白名单账号始终开启；其余按 userID 的简单散列落入放量百分比。
func SyncEnabledFor(userID string) bool {
	c := AppConfig
	if c == nil || !c.Sync.Enabled {
		return false
	}
	for _, u := range c.Sync.Allowlist {
		if u == userID {
			return true
		}
	}
	if c.Sync.RolloutPercent >= 100 {
		return true
	}
	if c.Sync.RolloutPercent <= 0 {
		return false
	}
	var h uint32
	for i := 0; i < len(userID); i++ {
		h = h*31 + uint32(userID[i])
	}
	return int(h%100) < c.Sync.RolloutPercent
}
