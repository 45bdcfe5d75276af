package kafka

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/relay/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, ParseBrokers("k1:9092, k2:9092,"))
	assert.Empty(t, ParseBrokers(""))
}

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := CreateChannel(watermill.NopLogger{}, nil, "relay")
	assert.True(t, errors.Is(err, ErrNoBrokers))
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("msg-1", []byte(`{}`))
	msg.Metadata.Set(events.EventMetadataKey, "exec-1_dockerStepID")

	key, err := partitionKey("relay.step.resumes", msg)
	assert.NoError(t, err)
	assert.Equal(t, "exec-1_dockerStepID", key)
}
