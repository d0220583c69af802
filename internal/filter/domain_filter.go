package filter

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Direction 表示过滤器应用的流向，仅用于审计日志。
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DomainFilter 基于正则的域名允许/拒绝过滤器。
//
// 判定顺序固定且与安全相关：
//  1. 拒绝列表非空且域名完全匹配任一拒绝模式 -> 拒绝；
//  2. 否则允许列表非空且域名不完全匹配任一允许模式 -> 拒绝；
//  3. 否则允许。
//
// 拒绝永远压过允许。匹配是整串匹配而不是子串匹配，
// 防止 evil.com 命中 notevil.com。模式在构造时一次性编译，
// 非法模式立即失败而不是等到第一次使用。
type DomainFilter struct {
	direction Direction
	allow     []*regexp.Regexp
	block     []*regexp.Regexp
	log       *zap.Logger
}

// New 编译模式并创建过滤器，任一模式非法时返回错误。
func New(direction Direction, allowPatterns, blockPatterns []string, log *zap.Logger) (*DomainFilter, error) {
	if log == nil {
		log = zap.NewNop()
	}

	allow, err := compilePatterns(allowPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid allow pattern: %w", err)
	}
	block, err := compilePatterns(blockPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid block pattern: %w", err)
	}

	return &DomainFilter{
		direction: direction,
		allow:     allow,
		block:     block,
		log:       log,
	}, nil
}

// compilePatterns 把每个模式锚定为整串匹配后编译。
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// CheckAddress 提取邮箱地址中最后一个 @ 之后的域名并判定。
func (f *DomainFilter) CheckAddress(address string) bool {
	return f.CheckDomain(DomainOf(address))
}

// CheckDomain 判定域名是否放行，并按可审计级别记录拒绝。
func (f *DomainFilter) CheckDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))

	for _, re := range f.block {
		if re.MatchString(domain) {
			f.log.Warn("domain rejected by block pattern",
				zap.String("direction", string(f.direction)),
				zap.String("domain", domain),
				zap.String("pattern", re.String()),
			)
			return false
		}
	}

	if len(f.allow) > 0 {
		for _, re := range f.allow {
			if re.MatchString(domain) {
				f.log.Debug("domain allowed",
					zap.String("direction", string(f.direction)),
					zap.String("domain", domain),
					zap.String("pattern", re.String()),
				)
				return true
			}
		}
		f.log.Warn("domain not in allow list",
			zap.String("direction", string(f.direction)),
			zap.String("domain", domain),
		)
		return false
	}

	f.log.Debug("domain allowed",
		zap.String("direction", string(f.direction)),
		zap.String("domain", domain),
	)
	return true
}

// RejectedRecipients 返回收件人列表中被拒绝地址的域名（去重）。
// 任何一个收件人被拒，整次发送都应被拒绝，不允许部分发送。
func (f *DomainFilter) RejectedRecipients(addresses []string) []string {
	var rejected []string
	seen := make(map[string]struct{})
	for _, addr := range addresses {
		domain := DomainOf(addr)
		if _, ok := seen[domain]; ok {
			continue
		}
		if !f.CheckDomain(domain) {
			rejected = append(rejected, domain)
		}
		seen[domain] = struct{}{}
	}
	return rejected
}

// DomainOf 提取地址中最后一个 @ 之后的域名（小写）。
func DomainOf(address string) string {
	address = strings.TrimSpace(strings.Trim(address, "<>"))
	idx := strings.LastIndexByte(address, '@')
	if idx < 0 || idx == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}
