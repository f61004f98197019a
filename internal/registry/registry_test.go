package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func defaults() Defaults {
	return Defaults{Interval: 60 * time.Second, Timeout: 10 * time.Second}
}

func TestLoad_ParsesFullLine(t *testing.T) {
	r := New(zap.NewNop(), defaults())
	src := "https://example.com|Example|30|5|true\n"

	n, err := r.Load(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tg := r.Targets()[0]
	require.Equal(t, "https://example.com", tg.URL)
	require.Equal(t, "Example", tg.Name)
	require.Equal(t, 30*time.Second, tg.Interval)
	require.Equal(t, 5*time.Second, tg.Timeout)
	require.True(t, tg.ContentCheck)
}

func TestLoad_DefaultsForOmittedFields(t *testing.T) {
	r := New(zap.NewNop(), defaults())
	n, err := r.Load(strings.NewReader("https://example.com\n"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tg := r.Targets()[0]
	require.Equal(t, "example.com", tg.Name)
	require.Equal(t, 60*time.Second, tg.Interval)
	require.Equal(t, 10*time.Second, tg.Timeout)
	require.False(t, tg.ContentCheck)
}

func TestLoad_SkipsMalformedLinesIndividually(t *testing.T) {
	r := New(zap.NewNop(), defaults())
	src := strings.Join([]string{
		"# comment",
		"",
		"https://good.example.com|Good|60|10|false",
		"ftp://bad.example.com|BadScheme",
		"https://bad-interval.example.com|X|abc",
		"https://tiny-interval.example.com|X|5",
		"https://zero-timeout.example.com|X|60|0",
		"https://bad-bool.example.com|X|60|10|maybe",
	}, "\n")

	n, err := r.Load(strings.NewReader(src))
	require.Equal(t, 1, n)
	require.Len(t, multierr.Errors(err), 5)
	require.Equal(t, "https://good.example.com", r.Targets()[0].URL)
}

func TestLoad_RejectsDuplicateCanonicalURLs(t *testing.T) {
	r := New(zap.NewNop(), defaults())
	src := "https://example.com/path|A\nHTTPS://EXAMPLE.COM:443/path/|B\n"

	n, err := r.Load(strings.NewReader(src))
	require.Equal(t, 1, n)
	require.Len(t, multierr.Errors(err), 1)
	require.Equal(t, "A", r.Targets()[0].Name)
}

func TestLoad_ReplacesWholeSet(t *testing.T) {
	r := New(zap.NewNop(), defaults())
	_, err := r.Load(strings.NewReader("https://one.example.com\nhttps://two.example.com\n"))
	require.NoError(t, err)
	require.Len(t, r.Targets(), 2)

	_, err = r.Load(strings.NewReader("https://three.example.com\n"))
	require.NoError(t, err)
	require.Len(t, r.Targets(), 1)
	require.Equal(t, "https://three.example.com", r.Targets()[0].URL)
}

func TestCanonicalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://Example.COM:443/a/", "https://example.com/a"},
		{"http://example.com:80/", "http://example.com/"},
		{"https://example.com/a#frag", "https://example.com/a"},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}

	for _, bad := range []string{"example.com", "ftp://x.com", "https://"} {
		_, err := Canonicalize(bad)
		require.Error(t, err, bad)
	}
}
