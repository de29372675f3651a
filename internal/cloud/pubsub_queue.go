// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/queue"
)

// PubSubQueue carries stage tasks as JSON messages on a Pub/Sub topic. A
// process that only publishes (the API role) may leave the subscription empty.
type PubSubQueue struct {
	client         *pubsub.Client
	topic          *pubsub.Topic // The tasks topic.
	subscriptionID string        // Empty in processes that never consume.
}

// NewPubSubQueue returns a queue publishing to topicID and consuming from
// subscriptionID.
func NewPubSubQueue(client *pubsub.Client, topicID string, subscriptionID string) *PubSubQueue {
	return &PubSubQueue{
		client:         client,
		topic:          client.Topic(topicID),
		subscriptionID: subscriptionID,
	}
}

// Publish sends task and waits for the server to accept it. Failures are
// transient errors.
func (q *PubSubQueue) Publish(ctx context.Context, task model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.JobID, err)
	}
	res := q.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"video_id": task.VideoID,
			"stage":    string(task.Stage),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return errs.Transient("publish-task", err)
	}
	return nil
}

// Consume receives tasks until ctx is done. A message is acknowledged once the
// handler reports a terminal outcome; undecodable messages are acknowledged
// and dropped.
func (q *PubSubQueue) Consume(ctx context.Context, concurrency int, handler queue.Handler) error {
	if q.subscriptionID == "" {
		return errors.New("pubsub queue has no subscription to consume from")
	}
	listener, err := NewPubSubListener(q.client, q.subscriptionID, func(ctx context.Context, data []byte) error {
		var task model.Task
		if err := json.Unmarshal(data, &task); err != nil {
			slog.ErrorContext(ctx, "dropping undecodable task", "error", err)
			return nil
		}
		return handler(ctx, task)
	})
	if err != nil {
		return err
	}
	listener.SetConcurrency(concurrency)
	if err := listener.Receive(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *PubSubQueue) Close() error {
	q.topic.Stop()
	return nil
}

// PubSubProgressBridge carries progress events between processes: workers
// publish to the topic, the API process forwards the subscription into its
// local hub.
type PubSubProgressBridge struct {
	client         *pubsub.Client
	topic          *pubsub.Topic // The progress topic.
	subscriptionID string        // Read by Forward in the API process.
}

func NewPubSubProgressBridge(client *pubsub.Client, topicID string, subscriptionID string) *PubSubProgressBridge {
	return &PubSubProgressBridge{
		client:         client,
		topic:          client.Topic(topicID),
		subscriptionID: subscriptionID,
	}
}

func (b *PubSubProgressBridge) Publish(ctx context.Context, e model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	res := b.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"video_id": e.VideoID},
	})
	_, err = res.Get(ctx)
	return err
}

// Forward republishes every received event on target. It blocks until ctx
// is cancelled.
func (b *PubSubProgressBridge) Forward(ctx context.Context, target progress.Publisher) error {
	listener, err := NewPubSubListener(b.client, b.subscriptionID, func(ctx context.Context, data []byte) error {
		var e model.Event
		if err := json.Unmarshal(data, &e); err != nil {
			slog.ErrorContext(ctx, "dropping undecodable progress event", "error", err)
			return nil
		}
		return target.Publish(ctx, e)
	})
	if err != nil {
		return err
	}
	return listener.Receive(ctx)
}

func (b *PubSubProgressBridge) Close() error {
	b.topic.Stop()
	return nil
}
