package job

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeFulfillment Type = "fulfillment"
	TypeSync        Type = "sync"
	TypeImport      Type = "import"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

type Job struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Type        Type            `db:"type" json:"type"`
	Status      Status          `db:"status" json:"status"`
	Reference   sql.NullString  `db:"reference" json:"reference,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"-"`
	Progress    Progress        `db:"progress" json:"progress"`
	Result      json.RawMessage `db:"result" json:"result,omitempty"`
	Error       sql.NullString  `db:"error" json:"error,omitempty"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	StartedAt   sql.NullTime    `db:"started_at" json:"started_at,omitempty"`
	FinishedAt  sql.NullTime    `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

type ListParams struct {
	Type      *Type
	Status    *Status
	Reference *string
	Limit     int
	Offset    int
}

func (j *Job) SetResult(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	j.Result = jsonData
	return nil
}

func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
