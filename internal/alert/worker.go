// Package alert periodically evaluates level and offline alert rules
// against the latest device state and delivers web push notifications
// through a bounded worker pool.
package alert

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"waterlevel-backend/internal/model"
)

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real Sender backed by the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

type job struct {
	sub     model.PushSubscription
	payload []byte
}

// WorkerPool manages a pool of workers delivering alert notifications.
type WorkerPool struct {
	size    int
	jobs    chan job
	db      *gorm.DB
	options *webpush.Options
	sender  Sender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, options *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan job, size),
		db:      db,
		options: options,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	slog.Debug("alert worker started", "worker", id)
	for {
		select {
		case j := <-wp.jobs:
			wp.deliver(ctx, j)
		case <-ctx.Done():
			slog.Debug("alert worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues one notification for delivery.
func (wp *WorkerPool) Dispatch(sub model.PushSubscription, payload []byte) {
	wp.jobs <- job{sub: sub, payload: payload}
}

// deliver sends a single notification and drops the subscription when the
// push service reports it gone.
func (wp *WorkerPool) deliver(ctx context.Context, j job) {
	wpSub := &webpush.Subscription{
		Endpoint: j.sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: j.sub.P256DH,
			Auth:   j.sub.Auth,
		},
	}

	resp, err := wp.sender.Send(j.payload, wpSub, wp.options)
	if err != nil {
		slog.Error("send notification", "endpoint", j.sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		slog.Info("subscription expired, deleting", "endpoint", j.sub.Endpoint)
		err := wp.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("endpoint = ?", j.sub.Endpoint).Delete(&model.AlertRule{}).Error; err != nil {
				return err
			}
			return tx.Delete(&model.PushSubscription{Endpoint: j.sub.Endpoint}).Error
		})
		if err != nil {
			slog.Error("delete expired subscription", "endpoint", j.sub.Endpoint, "error", err)
		}
	}
}
