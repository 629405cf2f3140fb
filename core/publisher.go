// Copyright 2025-2026 The roomsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
)

// ChangePublisher publishes change events onto the change event stream
type ChangePublisher interface {
	// PublishChange serialize and publish one change event
	PublishChange(ctxt context.Context, event ChangeEvent) error
}

// natsChangePublisher implements ChangePublisher over NATS subjects
type natsChangePublisher struct {
	common.Component
	client *NatsClient
	// subjects maps a change event table to its transport subject
	subjects map[string]string
}

// GetNatsChangePublisher define a change publisher writing to NATS.
//
// Events against the bookings and rooms tables are published on their respective
// subjects.
func GetNatsChangePublisher(
	client *NatsClient, bookingSubject string, roomSubject string,
) (ChangePublisher, error) {
	logTags := log.Fields{
		"module": "core", "component": "nats-change-publisher",
	}
	return &natsChangePublisher{
		Component: common.Component{LogTags: logTags},
		client:    client,
		subjects: map[string]string{
			ChangeTableBookings: bookingSubject,
			ChangeTableRooms:    roomSubject,
		},
	}, nil
}

// PublishChange serialize and publish one change event
func (p *natsChangePublisher) PublishChange(ctxt context.Context, event ChangeEvent) error {
	subject, ok := p.subjects[event.Table]
	if !ok {
		return fmt.Errorf("no subject registered for table %s", event.Table)
	}
	serialized, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	if err := p.client.NATs().Publish(subject, serialized); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to publish %s", event)
		return err
	}
	log.WithFields(p.LogTags).Debugf("Published %s on %s", event, subject)
	return nil
}
