package oximeter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every notify stream in the registry must resolve to a parser, and every
// read stream must be reachable from the registry walk in setupStreams.
func TestManager_StreamRegistryFullyWired(t *testing.T) {
	m := NewManager(nil, testLogger())

	notify := GetNotifyStreams()
	require.NotEmpty(t, notify)
	for _, stream := range notify {
		assert.NotNil(t, m.streamHandler(stream.ID), "no handler for %s", stream.ID)
	}

	reads := 0
	for _, stream := range AllDataStreams {
		switch stream.Mode {
		case ModeNotify:
			assert.Contains(t, notify, stream)
		case ModeRead:
			reads++
			assert.Nil(t, m.streamHandler(stream.ID))
		}
	}
	assert.Equal(t, 1, reads) // battery level
}

func TestManager_NotifyStreams(t *testing.T) {
	ids := make([]DataStreamID, 0)
	for _, s := range GetNotifyStreams() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []DataStreamID{StreamPLXContinuous, StreamHeartRate}, ids)
}
