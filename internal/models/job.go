package models

import (
	"time"
)

// Platforms a post job can target.
const (
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
	PlatformTwitter   = "twitter"
	PlatformTikTok    = "tiktok"
)

// ValidPlatform reports whether p is a dispatchable platform.
func ValidPlatform(p string) bool {
	switch p {
	case PlatformFacebook, PlatformInstagram, PlatformTwitter, PlatformTikTok:
		return true
	}
	return false
}

// Job states within a queue partition.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// PostContent is the content slice of a post payload.
type PostContent struct {
	Caption  string   `json:"caption"`
	Hashtags []string `json:"hashtags"`
	AssetIDs []string `json:"asset_ids"`
}

// TargetAccount identifies the social account to publish to.
type TargetAccount struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PageAccessToken string `json:"page_access_token,omitempty"`
}

// PostJobPayload is the unit of work handed to remote workers. The
// idempotency key doubles as the queue job id.
type PostJobPayload struct {
	ScheduledPostID string        `json:"scheduled_post_id"`
	Platform        string        `json:"platform"`
	Region          string        `json:"region"`
	AccountID       string        `json:"account_id"`
	Content         PostContent   `json:"content"`
	Target          TargetAccount `json:"target_account"`
	IdempotencyKey  string        `json:"idempotency_key"`
	MaxRetries      int           `json:"max_retries"`
	ScheduledTime   time.Time     `json:"scheduled_time"`
	Timezone        string        `json:"timezone"`
}

// Job is a queued post job plus its claim state. LockToken holds the fresh
// token on claim results and the stored token when loaded for validation;
// it is never serialized to producers.
type Job struct {
	ID            string         `json:"id"`
	Queue         string         `json:"queue"`
	Payload       PostJobPayload `json:"payload"`
	State         string         `json:"state"`
	Attempts      int            `json:"attempts"`
	MaxRetries    int            `json:"max_retries"`
	OwnerWorkerID string         `json:"owner_worker_id,omitempty"`
	ClaimedAt     time.Time      `json:"claimed_at,omitempty"`
	LockToken     string         `json:"lock_token,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// PostJobResult is the outcome a worker reports back.
type PostJobResult struct {
	Success        bool   `json:"success"`
	PlatformPostID string `json:"platform_post_id,omitempty"`
	PlatformURL    string `json:"platform_url,omitempty"`
	Error          string `json:"error,omitempty"`
	ExecutionMS    int64  `json:"execution_ms,omitempty"`
	Region         string `json:"region,omitempty"`
}

// Progress statuses a worker may report mid-flight.
var progressStatuses = map[string]struct{}{
	"started":    {},
	"uploading":  {},
	"processing": {},
	"posting":    {},
	"analyzing":  {},
}

// ValidProgressStatus reports whether s is an accepted progress status.
func ValidProgressStatus(s string) bool {
	_, ok := progressStatuses[s]
	return ok
}
