package cachekey_test

import (
	"net/url"
	"path"
	"testing"

	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		url         string
		explicitKey string
		want        cachekey.Key
	}{
		{name: "explicit key wins", url: "http://x/a.png", explicitKey: "a.png", want: "a.png"},
		{name: "explicit key without url", url: "", explicitKey: "a.png", want: "a.png"},
		{name: "explicit key is verbatim", url: "http://x/a.png", explicitKey: " A.png ", want: " A.png "},
		{name: "empty url", url: "", want: cachekey.Empty},
		{name: "blank url", url: "  \t", want: cachekey.Empty},
		{name: "plain url", url: "http://x/a.png", want: "http://x/a.png"},
		{name: "scheme and host are lowercased", url: "HTTP://Example.COM/A.png", want: "http://example.com/A.png"},
		{name: "default http port dropped", url: "http://example.com:80/a", want: "http://example.com/a"},
		{name: "default https port dropped", url: "https://example.com:443/a", want: "https://example.com/a"},
		{name: "other port kept", url: "http://example.com:8080/a", want: "http://example.com:8080/a"},
		{name: "ipv6 default port", url: "http://[::1]:80/a", want: "http://[::1]/a"},
		{name: "fragment dropped", url: "http://x/a.png#top", want: "http://x/a.png"},
		{name: "userinfo dropped", url: "http://user:pass@x/a.png", want: "http://x/a.png"},
		{name: "empty path", url: "http://x", want: "http://x/"},
		{name: "query sorted", url: "http://x/a?b=2&a=1", want: "http://x/a?a=1&b=2"},
		{name: "empty query dropped", url: "http://x/a?", want: "http://x/a"},
		{name: "unnecessary escapes removed", url: "http://x/%61.png", want: "http://x/a.png"},
		{name: "space escaping unified", url: "http://x/a%20b.png", want: "http://x/a%20b.png"},
		{name: "escaped unreserved characters decoded", url: "http://x/%41%7e%2D.png", want: "http://x/A~-.png"},
		{name: "escaped slash kept", url: "http://x/files/a%2Fb.png", want: "http://x/files/a%2Fb.png"},
		{name: "escape hex uppercased", url: "http://x/files/a%2fb%3b.png", want: "http://x/files/a%2Fb%3B.png"},
		{name: "escaped reserved characters kept", url: "http://x/a%3D%40%2B%2C.png", want: "http://x/a%3D%40%2B%2C.png"},
		{name: "unparseable url is kept", url: "http://x/%zz", want: "http://x/%zz"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, c.want, cachekey.Resolve(c.url, c.explicitKey))
		})
	}
}

func TestResolveSuperficialDifferences(t *testing.T) {
	t.Parallel()

	variants := []string{
		"http://example.com/images/a.png?size=2&v=1",
		"HTTP://EXAMPLE.com:80/images/a.png?v=1&size=2",
		"http://example.com/images/%61.png?size=2&v=1#fragment",
	}
	want := cachekey.Resolve(variants[0], "")
	for _, variant := range variants {
		require.Equal(t, want, cachekey.Resolve(variant, ""), variant)
	}
}

func TestResolveEscapedReservedCharacters(t *testing.T) {
	t.Parallel()

	distinct := [][2]string{
		{"http://x/files/a%2Fb.png", "http://x/files/a/b.png"},
		{"http://x/a%3Bb.png", "http://x/a;b.png"},
		{"http://x/a%2Cb.png", "http://x/a,b.png"},
		{"http://x/a%3Db.png", "http://x/a=b.png"},
		{"http://x/a%40b.png", "http://x/a@b.png"},
		{"http://x/a%2Bb.png", "http://x/a+b.png"},
	}
	for _, pair := range distinct {
		require.NotEqual(t, cachekey.Resolve(pair[0], ""), cachekey.Resolve(pair[1], ""), pair[0])
	}

	same := [][2]string{
		{"http://x/files/a%2fb.png", "http://x/files/a%2Fb.png"},
		{"http://x/%7Euser/a.png", "http://x/~user/a.png"},
		{"http://x/%61%62c.png", "http://x/abc.png"},
	}
	for _, pair := range same {
		require.Equal(t, cachekey.Resolve(pair[0], ""), cachekey.Resolve(pair[1], ""), pair[0])
	}
}

func TestResolverWithFilter(t *testing.T) {
	t.Parallel()

	resolver := cachekey.NewResolver(cachekey.WithFilter(func(u *url.URL) string {
		if u.Host == "ignored" {
			return ""
		}
		return path.Base(u.Path)
	}))

	require.Equal(t, cachekey.Key("a.png"), resolver.Resolve("http://x/a.png", ""))
	require.Equal(t, cachekey.Key("a.png"), resolver.Resolve("https://mirror.y/some/dir/a.png", ""))
	require.Equal(t, cachekey.Key("explicit"), resolver.Resolve("http://x/a.png", "explicit"))
	require.Equal(t, cachekey.Empty, resolver.Resolve("", ""))
	require.Equal(t, cachekey.Key("http://ignored/a.png"), resolver.Resolve("http://ignored/a.png", ""))
}

func TestKeyString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "<empty>", cachekey.Empty.String())
	require.True(t, cachekey.Empty.IsEmpty())
	require.Equal(t, "k", cachekey.Key("k").String())
	require.False(t, cachekey.Key("k").IsEmpty())
}
