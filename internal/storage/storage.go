// Package storage archives finished transcripts in object storage for
// downstream consumers.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

const transcriptPrefix = "transcripts"

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	bucketName string
}

// New creates a new storage client
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
	}, nil
}

// ObjectName is where the JSON record of a transcript is archived
func ObjectName(videoID, lang string) string {
	if lang == "" {
		lang = "any"
	}
	return path.Join(transcriptPrefix, sanitize(videoID), strings.ToLower(lang)+".json")
}

// TextObjectName is where the plain text of a transcript is archived
func TextObjectName(videoID, lang string) string {
	return strings.TrimSuffix(ObjectName(videoID, lang), ".json") + ".txt"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// PutTranscript archives a result as JSON plus a plain text copy. Sentinel
// results are archived too so consumers see an explicit marker.
func (s *Storage) PutTranscript(ctx context.Context, result *models.TranscriptResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcript: %w", err)
	}

	name := ObjectName(result.VideoID, result.Language)
	if err := s.Upload(ctx, name, bytes.NewReader(data), int64(len(data)), getContentType(name)); err != nil {
		return "", err
	}

	textName := TextObjectName(result.VideoID, result.Language)
	text := []byte(result.Text)
	if err := s.Upload(ctx, textName, bytes.NewReader(text), int64(len(text)), getContentType(textName)); err != nil {
		return "", err
	}

	return name, nil
}

// GetTranscript reads an archived result
func (s *Storage) GetTranscript(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error) {
	obj, err := s.Download(ctx, ObjectName(videoID, lang))
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	var result models.TranscriptResult
	if err := json.NewDecoder(obj).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}

	return &result, nil
}

// Upload uploads an object to storage
func (s *Storage) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	return nil
}

// Download downloads an object from storage
func (s *Storage) Download(ctx context.Context, objectName string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download object: %w", err)
	}

	return object, nil
}

// Delete deletes an object from storage
func (s *Storage) Delete(ctx context.Context, objectName string) error {
	err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// List lists objects with a prefix
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var objects []string

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		objects = append(objects, object.Key)
	}

	return objects, nil
}

// getContentType returns the content type based on file extension
func getContentType(filePath string) string {
	switch filepath.Ext(filePath) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
