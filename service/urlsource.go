package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"

	"edge-recorder/entities"
)

const urlRequestTimeout = 10 * time.Second

// URLSource mints short-lived upload URLs for fragments.
type URLSource interface {
	UploadURL(ctx context.Context, fragment *entities.Fragment) (string, time.Time, error)
}

// coordinatorSource asks the remote coordinator for a presigned URL:
// POST /videos/{recording_id}/parts with {index, size_bytes}.
type coordinatorSource struct {
	baseURL string
	client  *http.Client
}

func NewCoordinatorURLSource(baseURL string) URLSource {
	return &coordinatorSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: urlRequestTimeout},
	}
}

type partRequest struct {
	Index     int64 `json:"index"`
	SizeBytes int64 `json:"size_bytes"`
}

type partReply struct {
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *coordinatorSource) UploadURL(ctx context.Context, fragment *entities.Fragment) (string, time.Time, error) {
	body, err := json.Marshal(partRequest{Index: fragment.Index, SizeBytes: fragment.SizeBytes})
	if err != nil {
		return "", time.Time{}, err
	}

	endpoint := fmt.Sprintf("%s/videos/%s/parts", s.baseURL, fragment.RecordingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, fmt.Errorf("upload url request returned %d: %s", resp.StatusCode, payload)
	}

	var reply partReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", time.Time{}, err
	}
	if reply.UploadURL == "" {
		return "", time.Time{}, fmt.Errorf("upload url request returned empty url")
	}
	return reply.UploadURL, reply.ExpiresAt, nil
}

// minioSource presigns PUT URLs directly against an S3-compatible store, for
// deployments without a remote coordinator.
type minioSource struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

func NewMinioURLSource(client *minio.Client, bucket string) URLSource {
	return &minioSource{client: client, bucket: bucket, expiry: 15 * time.Minute}
}

func (s *minioSource) UploadURL(ctx context.Context, fragment *entities.Fragment) (string, time.Time, error) {
	objectName := path.Join(fragment.RecordingID.String(), fmt.Sprintf("%05d.mp4", fragment.Index))
	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, objectName, s.expiry)
	if err != nil {
		return "", time.Time{}, err
	}
	return presigned.String(), time.Now().Add(s.expiry), nil
}
