package alert

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterlevel-backend/internal/model"
)

// mockSender is a mock implementation of the Sender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

func pushResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
}

func TestWorkerPoolDispatch(t *testing.T) {
	wp := NewWorkerPool(1, nil, &webpush.Options{})

	sub := model.PushSubscription{Endpoint: "https://push.example/ep1", P256DH: "k", Auth: "a"}
	wp.Dispatch(sub, []byte("hello"))

	select {
	case j := <-wp.jobs:
		assert.Equal(t, sub.Endpoint, j.sub.Endpoint)
		assert.Equal(t, "hello", string(j.payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerDeliversNotification(t *testing.T) {
	wp := NewWorkerPool(1, nil, &webpush.Options{})

	var mu sync.Mutex
	var sentPayloads []string
	var sentEndpoints []string
	done := make(chan struct{})
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
			mu.Lock()
			sentPayloads = append(sentPayloads, string(payload))
			sentEndpoints = append(sentEndpoints, sub.Endpoint)
			mu.Unlock()
			close(done)
			return pushResponse(http.StatusCreated), nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	wp.Dispatch(model.PushSubscription{Endpoint: "https://push.example/ep1", P256DH: "k", Auth: "a"}, []byte("tank is full"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tank is full"}, sentPayloads)
	assert.Equal(t, []string{"https://push.example/ep1"}, sentEndpoints)
}

func TestWorkerDeletesExpiredSubscription(t *testing.T) {
	db := newTestDB(t)
	sub := model.PushSubscription{Endpoint: "https://push.example/gone", P256DH: "k", Auth: "a"}
	require.NoError(t, db.Create(&sub).Error)
	require.NoError(t, db.Create(&model.AlertRule{
		DeviceID: 1, Condition: model.ConditionAbove, Level: 90, Endpoint: sub.Endpoint, FrequencyHours: 6,
	}).Error)

	wp := NewWorkerPool(1, db, &webpush.Options{})
	wp.sender = &mockSender{
		SendFunc: func([]byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
			return pushResponse(http.StatusGone), nil
		},
	}

	wp.deliver(context.Background(), job{sub: sub, payload: []byte("x")})

	var subCount, ruleCount int64
	db.Model(&model.PushSubscription{}).Count(&subCount)
	db.Model(&model.AlertRule{}).Count(&ruleCount)
	assert.Zero(t, subCount)
	assert.Zero(t, ruleCount)
}
