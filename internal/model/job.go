package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus описывает статус генерации видео.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// ActiveJobStatuses содержит нетерминальные статусы.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

// IsTerminal сообщает, является ли статус конечным.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// CanTransition сообщает, допустим ли переход из from в to.
// Из конечных статусов выхода нет, processing не откатывается в pending.
func CanTransition(from, to JobStatus) bool {
	if from == to || from.IsTerminal() {
		return false
	}
	if from == JobStatusProcessing && to == JobStatusPending {
		return false
	}
	switch to {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// VideoJob описывает задачу генерации видео. ID совпадает с идентификатором генерации,
// TaskID назначается провайдером.
type VideoJob struct {
	ID                 uuid.UUID
	TaskID             string
	UserID             uuid.UUID
	Status             JobStatus
	CostCredits        int64
	Model              string
	Prompt             string
	Params             json.RawMessage
	ResultURLs         []string
	ErrorMessage       string
	Progress           int
	DebitTransactionID *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobUpdate содержит поля, которые меняются при переходе статуса.
type JobUpdate struct {
	Status       JobStatus
	ResultURLs   []string
	ErrorMessage string
	Progress     int
}
