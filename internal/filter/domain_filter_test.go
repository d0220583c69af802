package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("非法模式立即失败", func(t *testing.T) {
		_, err := New(DirectionInbound, []string{"("}, nil, nil)
		assert.Error(t, err)

		_, err = New(DirectionInbound, nil, []string{"[invalid"}, nil)
		assert.Error(t, err)
	})

	t.Run("空白模式被忽略", func(t *testing.T) {
		f, err := New(DirectionInbound, []string{"", "  "}, nil, nil)
		require.NoError(t, err)
		// 空白模式不构成允许列表，所有域名放行
		assert.True(t, f.CheckDomain("anything.com"))
	})
}

func TestCheckDomain(t *testing.T) {
	t.Run("两个列表都为空时全部放行", func(t *testing.T) {
		f, err := New(DirectionInbound, nil, nil, nil)
		require.NoError(t, err)
		assert.True(t, f.CheckDomain("example.com"))
	})

	t.Run("拒绝列表命中时拒绝", func(t *testing.T) {
		f, err := New(DirectionInbound, nil, []string{`evil\.com`}, nil)
		require.NoError(t, err)
		assert.False(t, f.CheckDomain("evil.com"))
		assert.True(t, f.CheckDomain("good.com"))
	})

	t.Run("整串匹配而非子串匹配", func(t *testing.T) {
		f, err := New(DirectionInbound, nil, []string{`evil\.com`}, nil)
		require.NoError(t, err)
		// notevil.com 不应被 evil.com 的模式误伤
		assert.True(t, f.CheckDomain("notevil.com"))
		assert.True(t, f.CheckDomain("evil.com.cn"))
	})

	t.Run("允许列表非空时只放行命中者", func(t *testing.T) {
		f, err := New(DirectionInbound, []string{`.*\.corp\.com`, `partner\.io`}, nil, nil)
		require.NoError(t, err)
		assert.True(t, f.CheckDomain("mail.corp.com"))
		assert.True(t, f.CheckDomain("partner.io"))
		assert.False(t, f.CheckDomain("random.net"))
	})

	t.Run("同时命中允许和拒绝时拒绝优先", func(t *testing.T) {
		f, err := New(DirectionOutbound, []string{`.*`}, []string{`blocked\.com`}, nil)
		require.NoError(t, err)
		assert.False(t, f.CheckDomain("blocked.com"))
		assert.True(t, f.CheckDomain("other.com"))
	})

	t.Run("域名比较大小写不敏感", func(t *testing.T) {
		f, err := New(DirectionInbound, nil, []string{`evil\.com`}, nil)
		require.NoError(t, err)
		assert.False(t, f.CheckDomain("EVIL.COM"))
	})
}

func TestCheckAddress(t *testing.T) {
	f, err := New(DirectionInbound, nil, []string{`spam\.net`}, nil)
	require.NoError(t, err)

	t.Run("取最后一个at之后的域名", func(t *testing.T) {
		assert.False(t, f.CheckAddress("user@spam.net"))
		assert.False(t, f.CheckAddress(`"weird@name"@spam.net`))
		assert.True(t, f.CheckAddress("user@ok.net"))
	})
}

func TestRejectedRecipients(t *testing.T) {
	f, err := New(DirectionOutbound, nil, []string{`blocked\.com`}, nil)
	require.NoError(t, err)

	t.Run("只返回被拒绝的域名且去重", func(t *testing.T) {
		rejected := f.RejectedRecipients([]string{
			"a@blocked.com",
			"b@blocked.com",
			"c@fine.com",
		})
		assert.Equal(t, []string{"blocked.com"}, rejected)
	})

	t.Run("全部放行时返回空", func(t *testing.T) {
		assert.Empty(t, f.RejectedRecipients([]string{"a@fine.com"}))
	})
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("user@example.com"))
	assert.Equal(t, "example.com", DomainOf("<user@Example.COM>"))
	assert.Equal(t, "", DomainOf("no-at-sign"))
	assert.Equal(t, "", DomainOf("trailing@"))
}
