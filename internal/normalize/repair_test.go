package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(t *testing.T, name string) Rule {
	t.Helper()

	for _, r := range Rules {
		if r.Name == name {
			return r
		}
	}
	require.FailNow(t, "no such rule", name)
	return Rule{}
}

func TestRule_SelfClosingLinkGUID(t *testing.T) {
	r := rule(t, "self-closing-link-guid")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "stray close tag consumed",
			input: `<link/>http://example.com/a</link>`,
			want:  `<link>http://example.com/a</link>`,
		},
		{
			name:  "bare url",
			input: "<guid />\n  https://example.com/b<title>x</title>",
			want:  `<guid>https://example.com/b</guid><title>x</title>`,
		},
		{
			name:  "atom links untouched",
			input: `<link href="https://example.com" rel="alternate"/>`,
			want:  `<link href="https://example.com" rel="alternate"/>`,
		},
		{
			name:  "proper pair untouched",
			input: `<link>https://example.com</link>`,
			want:  `<link>https://example.com</link>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Apply(tt.input))
		})
	}
}

func TestRule_SpacedCDATATerminator(t *testing.T) {
	r := rule(t, "spaced-cdata-terminator")
	assert.Equal(t, "<![CDATA[x]]>", r.Apply("<![CDATA[x]]   >"))
	assert.Equal(t, "<![CDATA[x]]>", r.Apply("<![CDATA[x]]>"))
}

func TestRule_BalanceCDATA(t *testing.T) {
	r := rule(t, "balance-cdata")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "balanced untouched",
			input: `<a><![CDATA[one]]></a><b><![CDATA[two]]></b>`,
			want:  `<a><![CDATA[one]]></a><b><![CDATA[two]]></b>`,
		},
		{
			name:  "closed before the enclosing end tag",
			input: `<description><![CDATA[<p>hi</p></description><title>x</title>`,
			want:  `<description><![CDATA[<p>hi</p>]]></description><title>x</title>`,
		},
		{
			name:  "dangling followed by another section",
			input: `<a><![CDATA[one</a><b><![CDATA[two]]></b>`,
			want:  `<a><![CDATA[one]]></a><b><![CDATA[two]]></b>`,
		},
		{
			name:  "no end tag appends closer",
			input: `<description><![CDATA[truncated`,
			want:  `<description><![CDATA[truncated]]>`,
		},
		{
			name:  "no cdata",
			input: `<title>plain</title>`,
			want:  `<title>plain</title>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Apply(tt.input))
		})
	}
}

func TestRepair_AppliesAllRules(t *testing.T) {
	in := `<item><link/>http://example.com/a</link><description><![CDATA[body]] ></description><summary><![CDATA[x</summary></item>`
	want := `<item><link>http://example.com/a</link><description><![CDATA[body]]></description><summary><![CDATA[x]]></summary></item>`

	assert.Equal(t, want, Repair(in))
}
