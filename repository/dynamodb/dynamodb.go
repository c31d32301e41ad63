// Package dynamodb implements the persistent, strongly-consistent job
// repository binding described in SPEC_FULL.md §4.10, grounded on the
// teacher's writer.DynamoDBWriter: the same narrow client interface,
// exponential-backoff-with-jitter retry loop, and ExpressionAttributeNames
// style, applied here to job records instead of DynamoDB PITR item
// operations. Writes are whole-item PutItem calls; no UpdateExpression is
// used.
//
// Job records are optimistically concurrency-controlled on the UpdatedAt
// timestamp: every mutator reads the current item, applies the domain
// transition in package job (which enforces the invariants from section 3),
// and writes back with a condition that UpdatedAt has not moved underneath
// it, retrying with backoff on a conditional-check failure the same way
// writer.go retries on throttling.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sorensen/exportjob/job"
	"github.com/sorensen/exportjob/joberrors"
	"github.com/sorensen/exportjob/repository"
)

// Client defines the narrow DynamoDB surface this package needs, in the
// same style as the teacher's aws.DynamoDBClient interface.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Repository implements repository.Repository against a DynamoDB table.
// The table's partition key is "jobId"; a global secondary index named by
// the statusIndex argument to New projects "status" for FindByStatus, per section 6's "an
// index on status is expected in production".
type Repository struct {
	client         Client
	tableName      string
	statusIndex    string
	clock          repository.Clock
	maxRetries     int
}

// New creates a Repository bound to tableName, with statusIndex naming the
// GSI used by FindByStatus.
func New(client Client, tableName, statusIndex string) *Repository {
	return &Repository{
		client:      client,
		tableName:   tableName,
		statusIndex: statusIndex,
		clock:       time.Now,
		maxRetries:  5,
	}
}

// record is the DynamoDB item shape, mirroring job.Job but with string
// timestamps — the same alias-and-reshape technique the teacher uses in
// metrics.Report.MarshalJSON to keep time.Duration/time.Time JSON-friendly.
type record struct {
	JobID              string         `dynamodbav:"jobId"`
	ExportID           string         `dynamodbav:"exportId"`
	UserID             string         `dynamodbav:"userId"`
	Status             string         `dynamodbav:"status"`
	TotalTasks         int            `dynamodbav:"totalTasks"`
	CompletedTasks     int            `dynamodbav:"completedTasks"`
	FailedTasks        int            `dynamodbav:"failedTasks"`
	CreatedAt          string         `dynamodbav:"createdAt"`
	UpdatedAt          string         `dynamodbav:"updatedAt"`
	CompletedAt        string         `dynamodbav:"completedAt,omitempty"`
	ErrorMessage       string         `dynamodbav:"errorMessage,omitempty"`
	CallbackToken      string         `dynamodbav:"callbackToken,omitempty"`
	Metadata           map[string]any `dynamodbav:"metadata,omitempty"`
	MaxPollingAttempts int            `dynamodbav:"maxPollingAttempts"`
	PollingIntervalMs  int            `dynamodbav:"pollingIntervalMs"`
	Tasks              []taskRecord   `dynamodbav:"tasks,omitempty"`
}

type taskRecord struct {
	TaskID            string `dynamodbav:"taskId"`
	JobID             string `dynamodbav:"jobId"`
	DownloadURL       string `dynamodbav:"downloadUrl"`
	FileName          string `dynamodbav:"fileName"`
	ExpectedFileSize  *int64 `dynamodbav:"expectedFileSize,omitempty"`
	ExpectedChecksum  string `dynamodbav:"expectedChecksum,omitempty"`
	ChecksumAlgorithm string `dynamodbav:"checksumAlgorithm,omitempty"`
	OutputKey         string `dynamodbav:"outputKey"`
}

func toRecord(j job.Job) record {
	r := record{
		JobID:              j.JobID,
		ExportID:           j.ExportID,
		UserID:             j.UserID,
		Status:             string(j.Status),
		TotalTasks:         j.TotalTasks,
		CompletedTasks:     j.CompletedTasks,
		FailedTasks:        j.FailedTasks,
		CreatedAt:          j.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:          j.UpdatedAt.Format(time.RFC3339Nano),
		ErrorMessage:       j.ErrorMessage,
		CallbackToken:      j.CallbackToken,
		Metadata:           j.Metadata,
		MaxPollingAttempts: j.MaxPollingAttempts,
		PollingIntervalMs:  j.PollingIntervalMs,
	}
	if j.CompletedAt != nil {
		r.CompletedAt = j.CompletedAt.Format(time.RFC3339Nano)
	}
	for _, t := range j.Tasks {
		r.Tasks = append(r.Tasks, taskRecord{
			TaskID:            t.TaskID,
			JobID:             t.JobID,
			DownloadURL:       t.DownloadURL,
			FileName:          t.FileName,
			ExpectedFileSize:  t.ExpectedFileSize,
			ExpectedChecksum:  t.ExpectedChecksum,
			ChecksumAlgorithm: string(t.ChecksumAlgorithm),
			OutputKey:         t.OutputKey,
		})
	}
	return r
}

func fromRecord(r record) (job.Job, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return job.Job{}, fmt.Errorf("invalid createdAt: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return job.Job{}, fmt.Errorf("invalid updatedAt: %w", err)
	}
	j := job.Job{
		JobID:              r.JobID,
		ExportID:           r.ExportID,
		UserID:             r.UserID,
		Status:             job.Status(r.Status),
		TotalTasks:         r.TotalTasks,
		CompletedTasks:     r.CompletedTasks,
		FailedTasks:        r.FailedTasks,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
		ErrorMessage:       r.ErrorMessage,
		CallbackToken:      r.CallbackToken,
		Metadata:           r.Metadata,
		MaxPollingAttempts: r.MaxPollingAttempts,
		PollingIntervalMs:  r.PollingIntervalMs,
	}
	if r.CompletedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, r.CompletedAt)
		if err != nil {
			return job.Job{}, fmt.Errorf("invalid completedAt: %w", err)
		}
		j.CompletedAt = &t
	}
	for _, t := range r.Tasks {
		j.Tasks = append(j.Tasks, job.Task{
			TaskID:            t.TaskID,
			JobID:             t.JobID,
			DownloadURL:       t.DownloadURL,
			FileName:          t.FileName,
			ExpectedFileSize:  t.ExpectedFileSize,
			ExpectedChecksum:  t.ExpectedChecksum,
			ChecksumAlgorithm: job.ChecksumAlgorithm(t.ChecksumAlgorithm),
			OutputKey:         t.OutputKey,
		})
	}
	return j, nil
}

// isConditionalCheckFailed mirrors writer.isThrottlingError's
// errors.As-based classification, applied to the optimistic-concurrency
// condition this package relies on.
func isConditionalCheckFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

func backoffWait(ctx context.Context, attempt int) bool {
	base := 50 * time.Millisecond
	maxDelay := 5 * time.Second
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay) + 1))
	delay += jitter
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Repository) getJob(ctx context.Context, jobID string) (job.Job, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &d.tableName,
		Key:            map[string]types.AttributeValue{"jobId": &types.AttributeValueMemberS{Value: jobID}},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return job.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if out.Item == nil {
		return job.Job{}, joberrors.New(joberrors.KindNotFound, "job not found: "+jobID)
	}
	var r record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return job.Job{}, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return fromRecord(r)
}

func awsBool(b bool) *bool { return &b }

// mutate runs fn against the current persisted value of jobID and writes
// the result back with an optimistic-concurrency condition on UpdatedAt,
// retrying on a conditional check failure (another writer raced us) and on
// throttling, per the teacher's backoff discipline.
func (d *Repository) mutate(ctx context.Context, jobID string, fn func(job.Job) (job.Job, error)) (job.Job, error) {
	attempt := 0
	for {
		current, err := d.getJob(ctx, jobID)
		if err != nil {
			return job.Job{}, err
		}

		updated, err := fn(current)
		if err != nil {
			return job.Job{}, err
		}

		item, err := attributevalue.MarshalMap(toRecord(updated))
		if err != nil {
			return job.Job{}, fmt.Errorf("marshal job %s: %w", jobID, err)
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           &d.tableName,
			Item:                item,
			ConditionExpression: strPtr("updatedAt = :expected"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberS{Value: current.UpdatedAt.Format(time.RFC3339Nano)},
			},
		})
		if err == nil {
			return updated, nil
		}

		if isConditionalCheckFailed(err) || isThrottlingError(err) {
			if attempt >= d.maxRetries {
				return job.Job{}, fmt.Errorf("mutate job %s: exhausted %d retries: %w", jobID, d.maxRetries, err)
			}
			if !backoffWait(ctx, attempt) {
				return job.Job{}, ctx.Err()
			}
			attempt++
			continue
		}
		return job.Job{}, fmt.Errorf("put job %s: %w", jobID, err)
	}
}

func strPtr(s string) *string { return &s }

func (d *Repository) Save(ctx context.Context, j job.Job) error {
	item, err := attributevalue.MarshalMap(toRecord(j))
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.JobID, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &d.tableName,
		Item:                item,
		ConditionExpression: strPtr("attribute_not_exists(jobId)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return joberrors.New(joberrors.KindValidation, "job already exists: "+j.JobID)
		}
		return fmt.Errorf("save job %s: %w", j.JobID, err)
	}
	return nil
}

func (d *Repository) FindByID(ctx context.Context, jobID string) (job.Job, error) {
	return d.getJob(ctx, jobID)
}

func (d *Repository) UpdateJobStatus(ctx context.Context, jobID string, status job.Status, patch *repository.Patch) (job.Job, error) {
	return d.mutate(ctx, jobID, func(current job.Job) (job.Job, error) {
		now := d.clock()
		if status == job.StatusFailed {
			msg := ""
			if patch != nil && patch.ErrorMessage != nil {
				msg = *patch.ErrorMessage
			}
			return current.TransitionToFailed(msg, now)
		}
		if status == job.StatusCompleted {
			return current.TransitionToCompleted(now)
		}
		return current.TransitionTo(status, now)
	})
}

func (d *Repository) IncrementCompletedTasks(ctx context.Context, jobID string) (job.Job, error) {
	return d.mutate(ctx, jobID, func(current job.Job) (job.Job, error) {
		return current.IncrementCompleted(d.clock())
	})
}

func (d *Repository) IncrementFailedTasks(ctx context.Context, jobID string, errorMessage string) (job.Job, error) {
	return d.mutate(ctx, jobID, func(current job.Job) (job.Job, error) {
		return current.IncrementFailed(errorMessage, d.clock())
	})
}

func (d *Repository) SetTotalTasks(ctx context.Context, jobID string, n int) (job.Job, error) {
	return d.mutate(ctx, jobID, func(current job.Job) (job.Job, error) {
		return current.SetTotalTasks(n, d.clock())
	})
}

func (d *Repository) AddTasks(ctx context.Context, jobID string, tasks []job.Task) (job.Job, error) {
	return d.mutate(ctx, jobID, func(current job.Job) (job.Job, error) {
		if len(current.Tasks) > 0 {
			return job.Job{}, joberrors.New(joberrors.KindValidation, "tasks already assigned for job: "+jobID)
		}
		for _, t := range tasks {
			if !current.OwnsTask(t) {
				return job.Job{}, joberrors.New(joberrors.KindValidation, "task belongs to a different job: "+t.TaskID)
			}
		}
		current.Tasks = append([]job.Task(nil), tasks...)
		current.UpdatedAt = d.clock()
		return current, nil
	})
}

func (d *Repository) FindByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	input := &dynamodb.QueryInput{
		TableName:              &d.tableName,
		IndexName:              &d.statusIndex,
		KeyConditionExpression: strPtr("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	}
	if limit > 0 {
		l := int32(limit)
		input.Limit = &l
	}

	out, err := d.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status %s: %w", status, err)
	}

	jobs := make([]job.Job, 0, len(out.Items))
	for _, item := range out.Items {
		var r record
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return nil, fmt.Errorf("unmarshal job record: %w", err)
		}
		j, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (d *Repository) Delete(ctx context.Context, jobID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &d.tableName,
		Key:       map[string]types.AttributeValue{"jobId": &types.AttributeValueMemberS{Value: jobID}},
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

var _ repository.Repository = (*Repository)(nil)
