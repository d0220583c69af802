// Package imappoll 通过轮询 IMAP 邮箱摄取自建通道的入站邮件。
package imappoll

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"threadbox/backend/internal/domain"
)

// FetchedMessage 一封从服务器取回的邮件。
type FetchedMessage struct {
	UID uint32
	Raw []byte
}

// Session 抽象一次已登录的 IMAP 会话，测试时用假实现替换。
type Session interface {
	// SelectMailbox 选择邮箱并返回服务器当前的 UIDVALIDITY。
	SelectMailbox(mailbox string) (uint32, error)
	// FetchSince 取回 UID 大于 lastUID 的全部邮件（Peek，不置已读）。
	FetchSince(lastUID uint32) ([]FetchedMessage, error)
	// MarkSeen 给邮件加 \Seen 标记。
	MarkSeen(uids []uint32) error
	// DeleteAndExpunge 给邮件加 \Deleted 并立即 EXPUNGE。
	DeleteAndExpunge(uids []uint32) error
	Close() error
}

// Dialer 建立 IMAP 会话。
type Dialer interface {
	Dial(settings *domain.IMAPSettings) (Session, error)
}

// GoImapDialer 基于 go-imap v2 的 Dialer 实现。
type GoImapDialer struct{}

func (GoImapDialer) Dial(settings *domain.IMAPSettings) (Session, error) {
	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)

	var client *imapclient.Client
	var err error
	if settings.UseTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	if err := client.Login(settings.Username, settings.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("login as %s: %w", settings.Username, err)
	}
	return &goImapSession{client: client}, nil
}

type goImapSession struct {
	client *imapclient.Client
}

func (s *goImapSession) SelectMailbox(mailbox string) (uint32, error) {
	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", mailbox, err)
	}
	return data.UIDValidity, nil
}

func (s *goImapSession) FetchSince(lastUID uint32) ([]FetchedMessage, error) {
	var uidRange imap.UIDSet
	uidRange.AddRange(imap.UID(lastUID+1), 0)

	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{uidRange},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	uids := searchData.AllUIDs()
	// 一些服务器对 (last+1):* 会把最后一封也返回，过滤掉已处理的
	filtered := uids[:0]
	for _, uid := range uids {
		if uint32(uid) > lastUID {
			filtered = append(filtered, uid)
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(filtered...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var out []FetchedMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			continue
		}
		out = append(out, FetchedMessage{UID: uint32(buf.UID), Raw: raw})
	}
	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("fetch: %w", err)
	}
	return out, nil
}

func (s *goImapSession) MarkSeen(uids []uint32) error {
	return s.store(uids, imap.FlagSeen)
}

func (s *goImapSession) DeleteAndExpunge(uids []uint32) error {
	if err := s.store(uids, imap.FlagDeleted); err != nil {
		return err
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

func (s *goImapSession) store(uids []uint32, flag imap.Flag) error {
	if len(uids) == 0 {
		return nil
	}
	ids := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, imap.UID(uid))
	}
	cmd := s.client.Store(imap.UIDSetNum(ids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil)
	return cmd.Close()
}

func (s *goImapSession) Close() error {
	return s.client.Logout().Wait()
}
