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

package registry

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/core"
)

// natsChannel one NATS push subscription
type natsChannel struct {
	sub *nats.Subscription
}

// Close stop the subscription
func (c *natsChannel) Close() error {
	return c.sub.Unsubscribe()
}

// natsChannelFactory opens change event channels over NATS subjects
type natsChannelFactory struct {
	common.Component
	client *core.NatsClient
}

// GetNatsChannelFactory create a channel factory backed by a NATS client
func GetNatsChannelFactory(client *core.NatsClient) (ChannelFactory, error) {
	logTags := log.Fields{
		"module": "registry", "component": "nats-channel-factory",
	}
	return &natsChannelFactory{
		Component: common.Component{LogTags: logTags}, client: client,
	}, nil
}

// Create open a channel on a NATS subject.
//
// NATS subscriptions are live once Subscribe returns, so the handshake resolves
// synchronously with a "subscribed" status.
func (f *natsChannelFactory) Create(
	ctxt context.Context,
	id string,
	spec ChannelSpec,
	statusCB ChannelStatusHandler,
	eventCB RawEventHandler,
) (Channel, error) {
	if !f.client.NATs().IsConnected() {
		err := fmt.Errorf("NATS client not connected")
		statusCB(MapSourceStatus("channel_error"), common.ChannelError{Channel: id, Err: err})
		return nil, err
	}
	sub, err := f.client.NATs().Subscribe(spec.Subject, func(msg *nats.Msg) {
		eventCB(ctxt, id, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Unable to subscribe channel %s on %s", id, spec.Subject,
		)
		statusCB(MapSourceStatus("channel_error"), common.ChannelError{Channel: id, Err: err})
		return nil, err
	}
	log.WithFields(f.LogTags).Infof("Subscribed channel %s on %s", id, spec.Subject)
	statusCB(MapSourceStatus("subscribed"), nil)
	return &natsChannel{sub: sub}, nil
}
