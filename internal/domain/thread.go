package domain

import (
	"strings"
	"time"
)

// Thread 表示一个会话线程（请求/回复链）。
//
// 线程内消息按时间戳升序排列，时间相同时按到达顺序。
type Thread struct {
	ID      string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	InboxID string `json:"inboxId" gorm:"type:varchar(36);index;not null"`
	Subject string `json:"subject" gorm:"type:varchar(998)"`

	// SubjectKey 是规范化后的主题，配合参与者集合作为
	// 无线程头邮件的归并回退键。
	SubjectKey string `json:"-" gorm:"type:varchar(998);index"`

	// Participants 是线程内出现过的全部地址（去重、小写）。
	Participants []string `json:"participants" gorm:"serializer:json;type:text"`

	MessageCount  int       `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt" gorm:"index"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AddParticipant 把地址并入参与者集合，已存在时不变。
func (t *Thread) AddParticipant(address string) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return
	}
	for _, p := range t.Participants {
		if p == address {
			return
		}
	}
	t.Participants = append(t.Participants, address)
}

// NormalizeSubject 计算线程归并用的主题键：
// 去掉 Re:/Fwd: 等回复前缀（可叠加），压缩空白并转小写。
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		trimmed := s
		for _, prefix := range []string{"re:", "fwd:", "fw:", "回复:", "回复：", "转发:", "转发："} {
			if strings.HasPrefix(lower, prefix) {
				trimmed = strings.TrimSpace(s[len(prefix):])
				break
			}
		}
		if trimmed == s {
			break
		}
		s = trimmed
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
