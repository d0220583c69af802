package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"纯主题转小写", "Quarterly Report", "quarterly report"},
		{"去掉Re前缀", "Re: Quarterly Report", "quarterly report"},
		{"叠加的回复前缀全部去掉", "Re: Fwd: RE: hello", "hello"},
		{"中文回复前缀", "回复: 会议纪要", "会议纪要"},
		{"压缩内部空白", "hello    world", "hello world"},
		{"空主题返回空", "   ", ""},
		{"前缀大小写不敏感", "RE: FW: topic", "topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.subject))
		})
	}
}

func TestAddParticipant(t *testing.T) {
	t.Run("去重且小写", func(t *testing.T) {
		thread := &Thread{}
		thread.AddParticipant("Alice@Example.com")
		thread.AddParticipant("alice@example.com")
		thread.AddParticipant("bob@example.com")
		thread.AddParticipant("")

		assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, thread.Participants)
	})
}

func TestDedupKey(t *testing.T) {
	t.Run("优先服务商消息ID", func(t *testing.T) {
		m := &InboundMessage{ProviderMessageID: "prov-1", MessageID: "<hdr@x>"}
		assert.Equal(t, "prov-1", m.DedupKey())
	})

	t.Run("回退到MessageID头", func(t *testing.T) {
		m := &InboundMessage{MessageID: "<hdr@x>"}
		assert.Equal(t, "<hdr@x>", m.DedupKey())
	})

	t.Run("两者皆空返回空串", func(t *testing.T) {
		assert.Equal(t, "", (&InboundMessage{}).DedupKey())
	})
}

func TestProviderTypeValid(t *testing.T) {
	assert.True(t, ProviderMailgun.Valid())
	assert.True(t, ProviderIMAPSMTP.Valid())
	assert.False(t, ProviderType("carrier-pigeon").Valid())
}
