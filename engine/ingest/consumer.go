package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/rag-vault/pkg/natsutil"
)

const (
	// Subject is the NATS subject for queued ingestion jobs.
	Subject = "vault.ingest"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "vault.ingest.dlq"
	// RetryHeader carries the number of failed attempts of a job.
	RetryHeader = "X-Retry-Count"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// JobTimeout bounds one attempt.
	JobTimeout = 10 * time.Minute
)

// DeadLetter is published to the DLQ when a job is given up on.
type DeadLetter struct {
	Job     Request `json:"job"`
	Error   string  `json:"error"`
	Retries int     `json:"retries"`
}

// Enqueue publishes a job for a consumer to pick up.
func Enqueue(ctx context.Context, nc *nats.Conn, req Request) error {
	return natsutil.Publish(ctx, nc, Subject, req)
}

// StartConsumer runs queued jobs through svc. Failed jobs are re-published
// with an incremented retry header until MaxRetries; jobs that can never
// succeed go to the DLQ at once. Consumers sharing queue split the work.
func StartConsumer(nc *nats.Conn, svc *Service, queue string) (*nats.Subscription, error) {
	log := svc.log
	return nc.QueueSubscribe(Subject, queue, func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Error("ingest: unmarshal failed", "err", err)
			return
		}

		ctx, cancel := context.WithTimeout(natsutil.Extract(msg), JobTimeout)
		defer cancel()

		// Get retry count from header.
		retries := 0
		if msg.Header != nil {
			retries, _ = strconv.Atoi(msg.Header.Get(RetryHeader))
		}

		_, err := svc.Ingest(ctx, req)
		if err == nil {
			if msg.Reply != "" {
				_ = msg.Ack()
			}
			return
		}

		retries++
		switch {
		case !Retryable(err) || retries >= MaxRetries:
			log.Warn("ingest: job dead-lettered", "doc_id", req.DocumentID, "retries", retries, "err", err)
			req.Data = nil
			if perr := natsutil.Publish(ctx, nc, DLQSubject, DeadLetter{Job: req, Error: err.Error(), Retries: retries}); perr != nil {
				log.Error("ingest: DLQ publish failed", "err", perr)
			}
		default:
			retry := nats.NewMsg(Subject)
			retry.Data = msg.Data
			retry.Header.Set(RetryHeader, strconv.Itoa(retries))
			if perr := natsutil.PublishMsg(ctx, nc, retry); perr != nil {
				log.Error("ingest: retry publish failed", "err", perr)
			}
		}

		// Ack if JetStream.
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
