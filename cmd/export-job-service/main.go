// Package main wires the export job service's process: flag/env config,
// AWS clients, every collaborator package, and graceful shutdown, in the
// cobra root-command style this codebase's tooling has moved to for
// multi-command binaries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/sorensen/exportjob/completion"
	"github.com/sorensen/exportjob/config"
	"github.com/sorensen/exportjob/dispatcher"
	"github.com/sorensen/exportjob/events"
	"github.com/sorensen/exportjob/heartbeat"
	"github.com/sorensen/exportjob/intake"
	"github.com/sorensen/exportjob/logging"
	"github.com/sorensen/exportjob/metrics"
	"github.com/sorensen/exportjob/objectstore"
	"github.com/sorensen/exportjob/overflow"
	"github.com/sorensen/exportjob/pipeline"
	"github.com/sorensen/exportjob/polling"
	"github.com/sorensen/exportjob/provider"
	"github.com/sorensen/exportjob/queue"
	"github.com/sorensen/exportjob/repository"
	ddbrepo "github.com/sorensen/exportjob/repository/dynamodb"
	"github.com/sorensen/exportjob/workerpool"
	"github.com/sorensen/exportjob/workflow"
)

var cfg config.Config

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg = config.Default()

	root := &cobra.Command{
		Use:   "export-job-service",
		Short: "Coordinates bulk export jobs against an external provider and an object store",
	}

	root.PersistentFlags().StringVar(&cfg.Region, "region", os.Getenv("AWS_REGION"), "AWS region")
	root.PersistentFlags().StringVar(&cfg.JobsQueueURL, "jobs-queue-url", "", "export-jobs SQS queue URL")
	root.PersistentFlags().StringVar(&cfg.OverflowQueueURL, "overflow-queue-url", "", "download-tasks-overflow SQS queue URL")
	root.PersistentFlags().StringVar(&cfg.OutputBucket, "output-bucket", "", "destination S3 bucket for re-uploaded artifacts")
	root.PersistentFlags().StringVar(&cfg.ProviderBaseURL, "provider-base-url", "", "export provider HTTP base URL")
	root.PersistentFlags().StringVar(&cfg.WorkflowBaseURL, "workflow-base-url", "", "workflow engine callback HTTP base URL")
	root.PersistentFlags().StringVar(&cfg.DynamoDBTable, "dynamodb-table", "", "job state table name; omit to run with an in-memory repository")
	root.PersistentFlags().StringVar(&cfg.DynamoDBStatusIndex, "dynamodb-status-index", "status-index", "GSI used for FindByStatus queries")
	root.PersistentFlags().IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "fixed worker pool executor count")
	root.PersistentFlags().IntVar(&cfg.MaxConcurrentJobs, "max-concurrent-jobs", cfg.MaxConcurrentJobs, "pool size plus backlog capacity")
	root.PersistentFlags().IntVar(&cfg.DispatchBatchSize, "dispatch-batch-size", cfg.DispatchBatchSize, "batch size when routing dispatched URLs")
	root.PersistentFlags().IntVar(&cfg.MaxPollingAttempts, "max-polling-attempts", cfg.MaxPollingAttempts, "polling attempt ceiling before PollingTimeout")
	root.PersistentFlags().DurationVar(&cfg.PollingInterval, "polling-interval", cfg.PollingInterval, "global polling tick interval")
	root.PersistentFlags().DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "heartbeat tick interval")
	root.PersistentFlags().DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "graceful shutdown grace period")
	root.PersistentFlags().BoolVar(&cfg.DryRun, "dry-run", false, "skip workflow callbacks; log what would have been sent")

	root.AddCommand(newRunCmd(), newHealthcheckCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the export job service until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context())
		},
	}
}

func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Validate configuration and AWS connectivity without starting the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if _, err := awsconfig.LoadDefaultConfig(cmd.Context(), awsconfig.WithRegion(cfg.Region)); err != nil {
				return fmt.Errorf("failed to load AWS config: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

// runService wires all collaborators and runs every scheduler/consumer
// until ctx is cancelled, then drains the worker pool before returning,
// the same shutdown shape as the teacher's coordinator.Run.
func runService(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(os.Stdout, nil, slog.LevelInfo)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	store := objectstore.New(s3Client, s3.NewPresignClient(s3Client), cfg.UploadPartSize)

	sqsClient := sqs.NewFromConfig(awsCfg)
	q := queue.New(sqsClient)

	var repo repository.Repository
	if cfg.DynamoDBTable != "" {
		repo = ddbrepo.New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, cfg.DynamoDBStatusIndex)
	} else {
		log.Warn("no dynamodb-table configured, running with an in-memory repository")
		repo = repository.NewMemoryRepository(nil)
	}

	prov := provider.New(&http.Client{Timeout: cfg.ProviderTimeout}, cfg.ProviderBaseURL, cfg.ProviderTimeout)
	wf := workflow.New(&http.Client{Timeout: cfg.WorkflowTimeout}, cfg.WorkflowBaseURL, cfg.WorkflowTimeout)

	sink := events.NewChannelSink(1024)
	m := metrics.NewMetrics(time.Now())

	pool := workerpool.New(cfg.PoolSize, cfg.MaxConcurrentJobs-cfg.PoolSize)
	pipe := pipeline.New(&http.Client{Timeout: cfg.DownloadTimeout}, store, cfg.UploadPartSize)

	aggregator := completion.New(repo, sink, wf, nil, log)
	aggregator.SetMetrics(m)
	aggregator.SetDryRun(cfg.DryRun)

	disp := dispatcher.New(repo, pool, pipe, aggregator, q, cfg.OverflowQueueURL, cfg.OutputBucket, cfg.DispatchBatchSize, log)
	disp.SetMetrics(m)

	pollSvc := polling.New(repo, prov, disp, cfg.PollingInterval, cfg.MaxPollingAttempts, nil, log)
	pollSvc.SetSink(sink)
	pollSvc.SetMetrics(m)

	intakeHandler := intake.New(repo, prov, disp, pollSvc, sink, nil)
	intakeHandler.SetMetrics(m)

	overflowConsumer := overflow.New(q, cfg.OverflowQueueURL, pool, pipe, aggregator, cfg.OutputBucket, cfg.OverflowBackoff, log)
	hb := heartbeat.New(repo, wf, cfg.HeartbeatInterval, log)

	go pollSvc.Run(ctx)
	go hb.Run(ctx)
	go overflowConsumer.Run(ctx)
	go runIntakeLoop(ctx, q, intakeHandler, log)

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight work")

	pollSvc.Stop()
	hb.Stop()
	overflowConsumer.Stop()

	if err := pool.Shutdown(cfg.ShutdownGrace); err != nil {
		log.Warn("worker pool did not drain within grace period", "error", err)
	}

	report := m.GenerateReport(time.Now())
	fmt.Println(report.String())
	return nil
}

// jobMessage is the export-jobs queue schema intake consumes.
type jobMessage struct {
	JobID         string         `json:"jobId"`
	ExportID      string         `json:"exportId"`
	UserID        string         `json:"userId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CallbackToken string         `json:"callbackToken"`
}

// runIntakeLoop drains cfg.JobsQueueURL, decoding and handing each message
// to the intake handler; this mirrors overflow.Consumer's own
// receive-handle-ack cadence since both queues share the same polling shape.
func runIntakeLoop(ctx context.Context, q queue.Queue, handler *intake.Handler, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := q.ReceiveMessages(ctx, cfg.JobsQueueURL, 10, 5)
		if err != nil {
			log.Error("receive from jobs queue failed", "error", err)
			continue
		}
		for _, msg := range messages {
			handleJobMessage(ctx, q, handler, log, msg)
		}
	}
}

func handleJobMessage(ctx context.Context, q queue.Queue, handler *intake.Handler, log *slog.Logger, msg queue.Message) {
	var payload jobMessage
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil || payload.JobID == "" || payload.ExportID == "" {
		log.Error("dropping invalid job message", "messageId", msg.MessageID, "error", err)
		if err := q.DeleteMessage(ctx, cfg.JobsQueueURL, msg.ReceiptHandle); err != nil {
			log.Error("failed to delete invalid job message", "messageId", msg.MessageID, "error", err)
		}
		return
	}

	_, err := handler.Handle(ctx, intake.Message{
		JobID:         payload.JobID,
		ExportID:      payload.ExportID,
		UserID:        payload.UserID,
		Metadata:      payload.Metadata,
		CallbackToken: payload.CallbackToken,
	})
	if err != nil {
		log.Error("intake failed, leaving message for redelivery", "jobId", payload.JobID, "error", err)
		return
	}
	if err := q.DeleteMessage(ctx, cfg.JobsQueueURL, msg.ReceiptHandle); err != nil {
		log.Error("failed to delete acknowledged job message", "messageId", msg.MessageID, "error", err)
	}
}
