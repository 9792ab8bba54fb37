package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/streaming"
	"github.com/streamhive/backend/pkg/queue"
	"github.com/streamhive/backend/pkg/storage"
)

// jobQueue is the slice of the Redis queue the processor consumes.
type jobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// VodProcessor processes VOD upload jobs: pull the finished recording from
// the SFU, stream it into object storage, record the VOD URL on the archive.
type VodProcessor struct {
	repo   *streaming.Repository
	sfu    *streaming.HTTPGateway
	s3     *storage.S3
	queue  jobQueue
	logger *zap.Logger
}

// NewVodProcessor creates a VOD upload processor.
func NewVodProcessor(repo *streaming.Repository, sfu *streaming.HTTPGateway, s3 *storage.S3, q jobQueue, logger *zap.Logger) *VodProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VodProcessor{repo: repo, sfu: sfu, s3: s3, queue: q, logger: logger}
}

// Process executes one VOD upload job.
func (p *VodProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeVodUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.VodUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	archive, err := p.repo.GetArchive(ctx, payload.ArchiveID)
	if err != nil {
		return fmt.Errorf("load archive: %w", err)
	}
	if archive == nil {
		return fmt.Errorf("archive not found: %s", payload.ArchiveID)
	}
	if archive.VodURL != "" {
		p.logger.Info("archive already has vod", zap.String("archive_id", archive.ID.String()))
		return nil
	}

	// Download from the SFU recording endpoint (streaming)
	src := p.sfu.RecordingURL(payload.ChannelID, payload.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	key := storage.VodKey(payload.ChannelID.String(), payload.SessionID)

	// Stream upload to S3 (no full buffer)
	vodURL, err := p.s3.Upload(ctx, p.s3.VodBucket(), key, contentType, resp.Body, resp.ContentLength, false)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.repo.SetArchiveVodURL(ctx, payload.ArchiveID, vodURL); err != nil {
		p.logger.Error("update archive vod url failed", zap.Error(err), zap.String("archive_id", payload.ArchiveID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("vod upload completed",
		zap.String("archive_id", payload.ArchiveID.String()),
		zap.String("channel_id", payload.ChannelID.String()),
		zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *VodProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("vod worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			// BLPop surfaces the context error on shutdown; stop right away
			// instead of treating it as a transient failure.
			if ctx.Err() != nil {
				p.logger.Info("vod worker stopping")
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.backoff(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.backoff(ctx)
			continue
		}
	}
}

// backoff pauses between failures without delaying shutdown.
func (p *VodProcessor) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(queue.RetryBackoff):
	}
}
