// Package queue is the durable send queue: enqueue with dedup, claim, and
// the retry schedule.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach/internal/domain"
)

var (
	ErrClaimConflict = errors.New("queue: item already claimed")
	ErrInvalid       = errors.New("queue: invalid request")
)

const (
	DefaultMaxAttempts = 5
	baseBackoff        = 5 * time.Second
	maxBackoff         = 15 * time.Minute
)

// Repository is the persistence the queue and worker need.
type Repository interface {
	InsertMessage(ctx context.Context, m domain.OutboundAttempt) (domain.OutboundAttempt, bool, error)
	GetMessage(ctx context.Context, id string) (domain.OutboundAttempt, error)
	DueMessages(ctx context.Context, now time.Time, limit int) ([]domain.OutboundAttempt, error)
	ClaimMessage(ctx context.Context, id string, now time.Time) (bool, error)
	DeferMessage(ctx context.Context, id string, runAfter time.Time, note string, now time.Time) (bool, error)
	RetryMessage(ctx context.Context, id string, attempt int, runAfter time.Time, errMsg, code string, now time.Time) (bool, error)
	FailMessage(ctx context.Context, id string, status domain.MessageStatus, attempt int, errMsg, code string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id, providerRef string, now time.Time) (bool, error)
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error)
	RequeueDeadLetter(ctx context.Context, id string, now time.Time) (bool, error)
	CountMessages(ctx context.Context, status domain.MessageStatus) (int, error)
	ListMessages(ctx context.Context, status domain.MessageStatus, leadID string, limit int) ([]domain.OutboundAttempt, error)
}

// EnqueueRequest describes one message to deliver.
type EnqueueRequest struct {
	AccountID     string
	LeadID        string
	Recipient     string
	Body          string
	Category      string
	DedupKey      string
	CursorID      string
	CursorAttempt int
	SentBy        string
	OperatorID    string
	HasFooter     bool
	MaxAttempts   int
	RunAfter      time.Time
}

// Queue wraps the repository with defaults and the retry policy.
type Queue struct {
	repo        Repository
	maxAttempts int
}

func New(repo Repository, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{repo: repo, maxAttempts: maxAttempts}
}

func (q *Queue) Repo() Repository { return q.repo }

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueue stores req as a queued message. A request whose dedup key is
// already present returns the stored message with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest, now time.Time) (domain.OutboundAttempt, bool, error) {
	if req.AccountID == "" || req.LeadID == "" {
		return domain.OutboundAttempt{}, false, fmt.Errorf("%w: account and lead are required", ErrInvalid)
	}
	if strings.TrimSpace(req.Body) == "" {
		return domain.OutboundAttempt{}, false, fmt.Errorf("%w: body is required", ErrInvalid)
	}
	m := domain.OutboundAttempt{
		AccountID:     req.AccountID,
		LeadID:        req.LeadID,
		Recipient:     domain.NormalizePhone(req.Recipient),
		Body:          req.Body,
		Category:      req.Category,
		CursorAttempt: req.CursorAttempt,
		SentBy:        req.SentBy,
		OperatorID:    req.OperatorID,
		HasFooter:     req.HasFooter,
		Status:        domain.MessageQueued,
		MaxAttempts:   req.MaxAttempts,
		RunAfter:      req.RunAfter,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if m.Category == "" {
		m.Category = domain.CategoryManual
	}
	if m.SentBy == "" {
		m.SentBy = domain.SentByHuman
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = q.maxAttempts
	}
	if m.RunAfter.IsZero() || m.RunAfter.Before(now) {
		m.RunAfter = now
	}
	if req.DedupKey != "" {
		key := req.DedupKey
		m.DedupKey = &key
	}
	if req.CursorID != "" {
		id := req.CursorID
		m.CursorID = &id
	}
	stored, created, err := q.repo.InsertMessage(ctx, m)
	if err != nil {
		return domain.OutboundAttempt{}, false, fmt.Errorf("queue: enqueue: %w", err)
	}
	return stored, created, nil
}

// Claim moves one due message to processing.
func (q *Queue) Claim(ctx context.Context, id string, now time.Time) error {
	ok, err := q.repo.ClaimMessage(ctx, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimConflict
	}
	return nil
}

// Backoff returns the delay before retry number attempt: 5s doubling per
// attempt, capped at 15 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 8 {
		return maxBackoff
	}
	d := baseBackoff << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// NextStep decides what happens after a failed send that has now used
// attempt attempts. It returns dead=true once no retries remain.
func NextStep(attempt, maxAttempts int, permanent bool, now time.Time) (runAfter time.Time, dead bool) {
	if permanent || attempt >= maxAttempts {
		return time.Time{}, true
	}
	return now.Add(Backoff(attempt)), false
}
