package monitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopic(t *testing.T) {
	t.Parallel()

	m := New("tcp://localhost:1883", "hiveeyes/testdrive", "fipy-office")
	assert.Equal(t, "hiveeyes/testdrive/fipy-office/#", m.topic())

	m = New("tcp://localhost:1883", "", "fipy-office")
	assert.Equal(t, "fipy-office/#", m.topic())
}

func TestClientID(t *testing.T) {
	t.Parallel()

	id := clientID()
	assert.True(t, strings.HasPrefix(id, "mpsync-"), "client ID should carry the tool prefix: %q", id)
	// MQTT 3.1 brokers may reject identifiers longer than 23 bytes.
	assert.LessOrEqual(t, len(id), 23)

	assert.Equal(t, id, clientID(), "client ID should be stable across calls")
}
