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

// Package cloud provides components for interacting with Google Cloud services.
// This file defines a reusable Pub/Sub subscription listener that delegates
// each message payload to a handler function.
//
// Logic Flow:
//  1. A PubSubListener is created with a client, a subscription ID and a handler.
//  2. Receive (blocking) or Listen (background) pulls messages from the subscription.
//  3. Each message is processed inside its own OpenTelemetry span.
//  4. The message is acknowledged when the handler returns nil and negatively
//     acknowledged otherwise, so Pub/Sub redelivers it.
package cloud

import (
	"context"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MessageHandler processes the payload of one Pub/Sub message.
type MessageHandler func(ctx context.Context, data []byte) error

// PubSubListener connects a subscription to a handler.
type PubSubListener struct {
	client       *pubsub.Client
	subscription *pubsub.Subscription
	handler      MessageHandler
}

// NewPubSubListener creates a listener on subscriptionID. The handler may be
// attached later with SetHandler.
func NewPubSubListener(
	pubsubClient *pubsub.Client,
	subscriptionID string,
	handler MessageHandler,
) (*PubSubListener, error) {
	sub := pubsubClient.Subscription(subscriptionID)
	return &PubSubListener{
		client:       pubsubClient,
		subscription: sub,
		handler:      handler,
	}, nil
}

// SetHandler attaches the handler if none is set yet.
func (m *PubSubListener) SetHandler(handler MessageHandler) {
	if m.handler == nil {
		m.handler = handler
	}
}

// SetConcurrency bounds the number of messages handled at once.
func (m *PubSubListener) SetConcurrency(n int) {
	if n <= 0 {
		return
	}
	m.subscription.ReceiveSettings.MaxOutstandingMessages = n
	m.subscription.ReceiveSettings.NumGoroutines = 1
}

// Receive blocks, handling messages until ctx is cancelled.
func (m *PubSubListener) Receive(ctx context.Context) error {
	slog.InfoContext(ctx, "listening", "subscription", m.subscription.String())
	tracer := otel.Tracer("message-listener")

	return m.subscription.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		spanCtx, span := tracer.Start(msgCtx, "receive-message")
		defer span.End()
		span.SetAttributes(attribute.String("message_id", msg.ID))

		if err := m.handler(spanCtx, msg.Data); err != nil {
			span.SetStatus(codes.Error, "failed")
			slog.WarnContext(spanCtx, "message handler failed, requesting redelivery",
				"subscription", m.subscription.ID(), "message_id", msg.ID, "error", err)
			msg.Nack()
			return
		}
		span.SetStatus(codes.Ok, "success")
		msg.Ack()
	})
}

// Listen runs Receive in the background and logs its exit error.
func (m *PubSubListener) Listen(ctx context.Context) {
	go func() {
		if err := m.Receive(ctx); err != nil {
			slog.ErrorContext(ctx, "error receiving data", "subscription", m.subscription.ID(), "error", err)
		}
	}()
}
