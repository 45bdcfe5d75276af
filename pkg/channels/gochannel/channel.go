// Package gochannel provides an in-process pub/sub for single-binary deployments and tests.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// CreateChannel returns one GoChannel used as both publisher and subscriber.
// Messages are not persisted, so subscribers must be running before publishers.
func CreateChannel(logger watermill.LoggerAdapter, bufferSize int64) *gochannel.GoChannel {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            bufferSize,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
}
