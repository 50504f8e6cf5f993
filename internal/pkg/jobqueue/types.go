package jobqueue

import (
	"encoding/json"
	"errors"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeProcessBillingEvent JobType = "process_billing_event"
	JobTypeResetMonthlyQuotas  JobType = "reset_monthly_quotas"
	JobTypeRenewalReminderScan JobType = "renewal_reminder_scan"
	JobTypeSendNotification    JobType = "send_notification"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	RunAt       *time.Time             `json:"run_at,omitempty"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// permanentError marks a job failure that a retry cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue does not retry the job.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// BillingEventJobPayload points at a stored webhook event.
type BillingEventJobPayload struct {
	WebhookEventID uint `json:"webhook_event_id"`
}

// ToMap converts the payload to a map for storage
func (p BillingEventJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id": p.WebhookEventID,
	}
}

func BillingEventJobPayloadFromMap(data map[string]interface{}) (*BillingEventJobPayload, error) {
	var payload BillingEventJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

// NotificationJobPayload addresses one templated email to a user.
type NotificationJobPayload struct {
	UserID   uint              `json:"user_id"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

func (p NotificationJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"user_id":  p.UserID,
		"template": p.Template,
	}
	if len(p.Data) > 0 {
		data := make(map[string]interface{}, len(p.Data))
		for k, v := range p.Data {
			data[k] = v
		}
		m["data"] = data
	}
	return m
}

func NotificationJobPayloadFromMap(data map[string]interface{}) (*NotificationJobPayload, error) {
	var payload NotificationJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

func fromMap(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

// RetryDelay grows linearly with the attempt number.
func (j *Job) RetryDelay() time.Duration {
	return time.Minute * time.Duration(j.RetryCount)
}
