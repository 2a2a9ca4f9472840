package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationIDDeterministic(t *testing.T) {
	a := ConversationID("discord", "guild:123/chan:456")
	b := ConversationID("discord", "guild:123/chan:456")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "discord_"))
	assert.Len(t, a, len("discord_")+conversationIDHashLen)
}

func TestConversationIDAdapterScoped(t *testing.T) {
	assert.NotEqual(t,
		ConversationID("discord", "123"),
		ConversationID("slack", "123"),
	)
}

func TestConversationIDNoCollisions(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := ConversationID("zulip", fmt.Sprintf("stream:%d/topic:%d", i%100, i))
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}
