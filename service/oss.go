package service

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"time"

	"DramaCraft-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var MinioClient *minio.Client

// InitMinIO 初始化连接，在 main.go 中调用
func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
}

// ensureBucket 确保 Bucket 存在
func ensureBucket(ctx context.Context, bucketName string) error {
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", bucketName)
	}
	return nil
}

// contentTypeFor 根据文件扩展名确定 ContentType
func contentTypeFor(objectName string) string {
	switch path.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// ArchiveRemoteVideo 把供应商返回的视频地址转存到 MinIO，返回预签名 URL。
// 供应商链接通常有时效，归档后分镜记录里留的是我们自己的地址。
func ArchiveRemoteVideo(ctx context.Context, shotID, sourceURL string) (string, error) {
	if MinioClient == nil {
		return "", fmt.Errorf("MinIO 未初始化")
	}
	cfg := config.AppConfig.MinIO
	bucketName := cfg.Bucket
	if err := ensureBucket(ctx, bucketName); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("构造下载请求失败: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("下载源视频失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("下载源视频失败，状态码 %d", resp.StatusCode)
	}

	objectName := fmt.Sprintf("shots/%s/%d.mp4", shotID, time.Now().Unix())
	_, err = MinioClient.PutObject(ctx, bucketName, objectName, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}

	expiry := time.Hour * 72
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}

	log.Printf("[OSS] 分镜 %s 视频已归档: %s", shotID, objectName)
	return presignedURL.String(), nil
}
