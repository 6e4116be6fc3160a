package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveContentModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		title    string
		explicit string
		want     string
	}{
		{name: "plain page", title: "Dragons", want: ContentModelWikitext},
		{name: "template", title: "Template:Infobox", want: ContentModelWikitext},
		{name: "site styles", title: "MediaWiki:Common/styles.css", want: ContentModelCSS},
		{name: "template styles", title: "Template:Infobox/styles.css", want: ContentModelCSS},
		{name: "lua module", title: "Module:Dice", want: ContentModelLua},
		{name: "css extension alone is not enough", title: "Theme.css", want: ContentModelWikitext},
		{name: "module must be a prefix", title: "Help:Module:Dice", want: ContentModelWikitext},
		{name: "explicit wins over suffix", title: "Page/styles.css", explicit: ContentModelWikitext, want: ContentModelWikitext},
		{name: "explicit wins over prefix", title: "Module:Data", explicit: "json", want: "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ResolveContentModel(tt.title, tt.explicit))
		})
	}
}

func TestNeedsMinify(t *testing.T) {
	t.Parallel()

	assert.True(t, NeedsMinify("Template:Infobox", ContentModelWikitext))
	assert.False(t, NeedsMinify("Dragons", ContentModelWikitext))
	assert.False(t, NeedsMinify("Template:Infobox/styles.css", ContentModelCSS))
	assert.False(t, NeedsMinify("Template:Infobox", ContentModelLua))
}

func TestMinifyHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "line breaks and tabs", in: "<div>\n\t<b>x</b>\r\n</div>", want: "<div><b>x</b></div>"},
		{name: "spaces between tags", in: "<ul>   <li>a</li>  <li>b</li> </ul>", want: "<ul><li>a</li><li>b</li></ul>"},
		{name: "runs of spaces in text", in: "<p>one    two  three</p>", want: "<p>one two three</p>"},
		{name: "surrounding whitespace", in: "   <p>x</p>   ", want: "<p>x</p>"},
		{name: "line break inside text joins words", in: "<p>one\ntwo</p>", want: "<p>onetwo</p>"},
		{name: "single spaces kept", in: "<span> a </span>", want: "<span> a </span>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MinifyHTML(tt.in))
		})
	}
}

func TestResolveSection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		section string
		want    any
		ok      bool
	}{
		{section: "", ok: false},
		{section: "all", ok: false},
		{section: "new", want: "new", ok: true},
		{section: "0", want: 0, ok: true},
		{section: "3", want: 3, ok: true},
		{section: " 2 ", want: 2, ok: true},
		{section: "1.5", want: 1.5, ok: true},
		{section: "intro", ok: false},
		{section: "NaN", ok: false},
		{section: "Infinity", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.section, func(t *testing.T) {
			t.Parallel()

			got, ok := resolveSection(tt.section)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
