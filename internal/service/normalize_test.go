package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailsync/backend/internal/provider"
)

func TestThreadKey(t *testing.T) {
	t.Run("优先提供商会话 ID", func(t *testing.T) {
		remote := &provider.RemoteMessage{
			ID:       "m1",
			ThreadID: "t1",
			Headers:  map[string]string{"References": "<root@x> <mid@x>"},
		}
		assert.Equal(t, "t1", threadKey(remote))
	})

	t.Run("References 链首个 ID 是会话根", func(t *testing.T) {
		remote := &provider.RemoteMessage{
			ID: "m1",
			Headers: map[string]string{
				"References":  "<root@x> <mid@x>",
				"In-Reply-To": "<mid@x>",
			},
		}
		assert.Equal(t, "<root@x>", threadKey(remote))
	})

	t.Run("退回 In-Reply-To", func(t *testing.T) {
		remote := &provider.RemoteMessage{
			ID:      "m1",
			Headers: map[string]string{"In-Reply-To": "<parent@x>"},
		}
		assert.Equal(t, "<parent@x>", threadKey(remote))
	})

	t.Run("孤立邮件自成会话", func(t *testing.T) {
		remote := &provider.RemoteMessage{
			ID:      "m1",
			Headers: map[string]string{"Message-ID": "<self@x>"},
		}
		assert.Equal(t, "<self@x>", threadKey(remote))

		bare := &provider.RemoteMessage{ID: "m2"}
		assert.Equal(t, "m2", threadKey(bare))
	})
}

func TestNormalizeMessage(t *testing.T) {
	remote := &provider.RemoteMessage{
		ID:      "m1",
		From:    "alice@example.com",
		To:      []string{"bob@example.com", "carol@example.com"},
		Subject: "hello",
		Labels:  []string{"INBOX"},
		Headers: map[string]string{
			"message-id":  "<m1@x>", // 头名大小写不敏感
			"In-Reply-To": "<m0@x>",
		},
	}

	n := normalizeMessage(remote)
	assert.Equal(t, "alice@example.com", n.From)
	assert.JSONEq(t, `["bob@example.com","carol@example.com"]`, n.To)
	assert.Equal(t, "[]", n.Cc)
	assert.JSONEq(t, `["INBOX"]`, n.Labels)
	assert.Equal(t, "<m1@x>", n.MessageIDHeader)
	assert.Equal(t, "<m0@x>", n.InReplyTo)
}

func TestParticipants(t *testing.T) {
	remote := &provider.RemoteMessage{
		From: "alice@example.com",
		To:   []string{"bob@example.com", "alice@example.com"},
		Cc:   []string{" carol@example.com "},
	}
	assert.JSONEq(t,
		`["alice@example.com","bob@example.com","carol@example.com"]`,
		participants(remote),
		"参与者集合去重且忽略空白")
}
