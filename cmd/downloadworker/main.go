package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/charmbracelet/log"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"download-task-supervisor/internal/config"
	"download-task-supervisor/internal/models"
	"download-task-supervisor/internal/store"
)

// downloadworker is the external process the supervisor spawns, one per
// running task. It fetches the requested media, heartbeats through the
// store while it works, appends progress events, records the produced
// song, and communicates the outcome via its exit code. The supervisor
// performs the terminal status transition when this process exits.
func main() {
	cfg := config.Load()
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "downloadworker"})

	taskID, err := resolveTaskID()
	if err != nil {
		logger.Fatal("resolve task id", "error", err)
	}
	logger = logger.With("task_id", taskID)

	// SIGTERM is how the supervisor cancels us; stop the fetch and exit
	// nonzero so the cancel path stays in charge of the final status.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", "error", err)
	}
	defer st.Close()

	task, err := st.TaskByID(ctx, taskID)
	if err != nil {
		logger.Fatal("load task", "error", err)
	}

	go heartbeat(ctx, st, taskID, cfg.HeartbeatInterval, logger)

	if err := run(ctx, cfg, st, task, logger); err != nil {
		_ = st.AppendEvent(context.Background(), taskID, models.EventError, err.Error())
		st.Close()
		logger.Fatal("download failed", "error", err)
	}
	logger.Info("download finished")
}

func resolveTaskID() (int64, error) {
	raw := ""
	if len(os.Args) > 1 {
		raw = os.Args[1]
	} else {
		raw = os.Getenv("DOWNLOAD_TASK_ID")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("task id required as argument or DOWNLOAD_TASK_ID, got %q", raw)
	}
	return id, nil
}

// heartbeat refreshes the task's liveness timestamp on a fixed interval
// for as long as the task stays running.
func heartbeat(ctx context.Context, st *store.Store, taskID int64, interval time.Duration, logger *log.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := st.TouchHeartbeat(ctx, taskID, time.Now()); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			} else if !ok {
				// Task no longer running; nothing left to report.
				return
			}
		}
	}
}

func run(ctx context.Context, cfg config.Config, st *store.Store, task models.Task, logger *log.Logger) error {
	url, _ := task.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("task %d has no url param", task.ID)
	}

	_ = st.AppendEvent(ctx, task.ID, models.EventProgress, "Fetching media from "+task.Source+".")

	data, contentType, err := fetch(ctx, url, cfg.MediaMaxBytes)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}

	name := uuid.New().String() + extensionFor(contentType)
	path := filepath.Join(cfg.MediaDir, name)
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write media file: %w", err)
	}
	_ = st.AppendEvent(ctx, task.ID, models.EventProgress, fmt.Sprintf("Fetched %d bytes.", len(data)))

	if artworkURL, _ := task.Params["artwork_url"].(string); artworkURL != "" {
		if err := saveThumbnail(ctx, artworkURL, path); err != nil {
			// Artwork is cosmetic; the download still counts.
			logger.Warn("thumbnail generation failed", "error", err)
		}
	}

	if cfg.MediaBucket != "" {
		if err := uploadToBucket(ctx, cfg, name, data, contentType); err != nil {
			return fmt.Errorf("upload media: %w", err)
		}
		_ = st.AppendEvent(ctx, task.ID, models.EventProgress, "Uploaded to media bucket.")
	}

	title, _ := task.Params["title"].(string)
	if title == "" {
		title = name
	}
	artist, _ := task.Params["artist"].(string)
	duration := 0
	if v, ok := task.Params["duration_secs"].(float64); ok {
		duration = int(v)
	}
	if _, err := st.AddSong(ctx, models.Song{
		TaskID:       task.ID,
		Title:        title,
		Artist:       artist,
		DurationSecs: duration,
		FilePath:     path,
	}); err != nil {
		return fmt.Errorf("record song: %w", err)
	}
	return nil
}

func fetch(ctx context.Context, url string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if limit <= 0 {
		limit = 512 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// saveThumbnail fetches cover art and stores a small cover image next to
// the media file.
func saveThumbnail(ctx context.Context, artworkURL, mediaPath string) error {
	data, _, err := fetch(ctx, artworkURL, 10*1024*1024)
	if err != nil {
		return fmt.Errorf("fetch artwork: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode artwork: %w", err)
	}
	thumb := imaging.Resize(img, 320, 0, imaging.Lanczos)
	out := mediaPath[:len(mediaPath)-len(filepath.Ext(mediaPath))] + ".cover.jpg"
	if err := imaging.Save(thumb, out, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}

func uploadToBucket(ctx context.Context, cfg config.Config, key string, body []byte, contentType string) error {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(cfg.MediaBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

func extensionFor(contentType string) string {
	switch {
	case contentType == "audio/mpeg":
		return ".mp3"
	case contentType == "audio/ogg":
		return ".ogg"
	case contentType == "audio/flac", contentType == "audio/x-flac":
		return ".flac"
	case contentType == "audio/mp4", contentType == "audio/aac":
		return ".m4a"
	default:
		return ".bin"
	}
}
