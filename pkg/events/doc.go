/*
Package events provides an in-memory event broker for rtrmd's internal
notifications.

The events package implements a lightweight pub/sub bus for broadcasting
daemon-internal events to interested subscribers: EXC lifecycle transitions,
sync round outcomes, application disconnects, and resource view promotions.
Delivery to subscribers is asynchronous: a broker goroutine fans each
published event out to every subscriber channel.

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Buffered publish channel; Publish waits while it is full
  - Graceful shutdown via stop channel

Event:
  - Type: event type (exc.registered, sync.round_completed, etc.)
  - Timestamp: when the event occurred
  - Message: human-readable description
  - Metadata: key-value pairs for additional context

Subscriber:
  - Channel that receives Event pointers
  - Buffered to handle bursts
  - Created via broker.Subscribe(), released via broker.Unsubscribe()

Event Types:
  - EventExcRegistered: a new EXC registered with the daemon
  - EventExcStateChanged: an EXC transitioned state
  - EventSyncRoundStarted / EventSyncRoundCompleted: four-phase sync round boundaries
  - EventApplicationDied: an application's control channel disappeared
  - EventResourceViewPromoted: the scheduled resource view was promoted to active

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to the broker's internal channel (waits while the channel is full, until the broker drains it or Stop is called)
 3. Broadcast loop fans it out to every subscriber channel
 4. A subscriber with a full buffer is skipped rather than blocking the broker

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. A buffered channel is registered and returned
 3. Subscriber ranges over the channel in its own goroutine

# Usage

Creating and Starting Broker:

	import "github.com/cuemby/rtrm/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	broker.Publish(&events.Event{
		Type:    events.EventExcStateChanged,
		Message: "exc 1234:0 moved to running",
		Metadata: map[string]string{
			"exc":   "1234:0",
			"state": "running",
		},
	})

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventApplicationDied:
				handleApplicationDied(event)
			case events.EventSyncRoundCompleted:
				handleSyncRoundCompleted(event)
			default:
				// ignore other events
			}
		}
	}()

Complete Example:

	package main

	import (
		"fmt"
		"time"

		"github.com/cuemby/rtrm/pkg/events"
	)

	func main() {
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		go func() {
			for event := range sub {
				fmt.Printf("[%s] %s: %s\n",
					event.Timestamp.Format("15:04:05"),
					event.Type,
					event.Message)
			}
		}()

		broker.Publish(&events.Event{
			Type:    events.EventExcRegistered,
			Message: "exc 1234:0 registered recipe demo v3",
		})

		broker.Publish(&events.Event{
			Type:    events.EventApplicationDied,
			Message: "application 1234 control channel closed",
			Metadata: map[string]string{
				"pid": "1234",
			},
		})

		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package is used by:

  - pkg/appmanager: publishes EXC registration, state-change and
    application-died events

No other package publishes or subscribes. The sync-round and
view-promotion event types are defined but never published.

# Design Patterns

Buffered Publish:
  - Publish sends to a buffered channel; it returns at once while the
    channel has room and waits for the broker (or Stop) when it is full
  - An event is dropped for a subscriber whose own buffer is full,
    rather than blocking the broker

Fan-Out Pattern:
  - A single event is broadcast to every subscriber's own channel
  - Subscribers process at independent rates

Fire-and-Forget:
  - No acknowledgment, no retry on delivery failure
  - Suitable for observability, not a substitute for the synchronous
    RPC responses the protocol itself requires

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in their own goroutine
  - Start the broker before publishing events

Don't:
  - Block in a subscriber's event loop
  - Rely on event delivery for anything the sync protocol already
    guarantees synchronously

# See Also

  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
