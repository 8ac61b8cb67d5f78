package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		maxLength int
		wantTitle string
		wantDesc  string
		wantHTML  []string
		wantNot   []string
		truncated bool
	}{
		{
			name: "scripts and styles removed",
			input: `<html>
				<head>
					<title>Test Page</title>
					<meta name="description" content="Test description">
					<script>alert('evil');</script>
					<style>body { color: red; }</style>
				</head>
				<body>
					<h1 id="main-title">Hello World</h1>
					<p class="intro">This is a test.</p>
				</body>
			</html>`,
			maxLength: 10000,
			wantTitle: "Test Page",
			wantDesc:  "Test description",
			wantHTML:  []string{`<h1 id="main-title">`, "Hello World", `<p class="intro">`, "This is a test."},
			wantNot:   []string{"<script>", "alert", "<style>", "color: red", "<title>", "<body>"},
		},
		{
			name: "semantic structure kept",
			input: `<html><body>
				<header><nav><a href="/home">Home</a></nav></header>
				<main><section id="content"><article><h2>Article Title</h2></article></section></main>
				<footer><p>Footer</p></footer>
			</body></html>`,
			maxLength: 10000,
			wantHTML:  []string{"<header>", "<nav>", `<a href="/home">Home</a>`, "<main>", `<section id="content">`, "<article>", "<footer>"},
		},
		{
			name: "form attributes kept",
			input: `<form action="/submit" method="post" onsubmit="x()">
				<label for="user-input">User</label>
				<input type="text" name="username" id="user-input" placeholder="Enter name" data-test="username-field" style="color:red">
				<button type="submit" class="btn-primary">Submit</button>
			</form>`,
			maxLength: 10000,
			wantHTML: []string{
				`<form action="/submit" method="post">`,
				`<label for="user-input">`,
				`type="text"`,
				`name="username"`,
				`placeholder="Enter name"`,
				`data-test="username-field"`,
				`<button type="submit" class="btn-primary">Submit</button>`,
			},
			wantNot: []string{"onsubmit", "style="},
		},
		{
			name: "noise and hidden elements removed",
			input: `<body>
				<div>Content</div>
				<noscript>No JS</noscript>
				<iframe src="ad.html"></iframe>
				<svg><circle/></svg>
				<div hidden>Secret panel</div>
				<span aria-hidden="true">icon</span>
				<input type="hidden" name="csrf" value="t0k3n">
			</body>`,
			maxLength: 10000,
			wantHTML:  []string{"<div>", "Content"},
			wantNot:   []string{"<noscript>", "<iframe>", "<svg>", "No JS", "Secret panel", "icon", "t0k3n"},
		},
		{
			name: "whitespace collapsed",
			input: `<p>one
				two     three</p>`,
			maxLength: 10000,
			wantHTML:  []string{"one two three"},
		},
		{
			name: "truncated at limit",
			input: `<body>
				<p>First paragraph with some content.</p>
				<p>Second paragraph with more content.</p>
				<p>Third paragraph that should be truncated.</p>
			</body>`,
			maxLength: 60,
			wantHTML:  []string{"First paragraph", "..."},
			wantNot:   []string{"Third paragraph"},
			truncated: true,
		},
		{
			name:      "void elements not closed",
			input:     `<body><img src="test.jpg" alt="Test image"><br><input type="text" name="field"><hr></body>`,
			maxLength: 10000,
			wantHTML:  []string{`<img src="test.jpg" alt="Test image">`, "<br>", `<input type="text" name="field">`, "<hr>"},
			wantNot:   []string{"</img>", "</br>", "</input>", "</hr>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Clean(tt.input, tt.maxLength)
			require.NoError(t, err)

			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, tt.wantDesc, got.Description)
			assert.Equal(t, tt.truncated, got.Truncated)
			for _, want := range tt.wantHTML {
				assert.Contains(t, got.HTML, want)
			}
			for _, notWant := range tt.wantNot {
				assert.NotContains(t, got.HTML, notWant)
			}
		})
	}
}

func TestCleanLongTextStaysBounded(t *testing.T) {
	input := "<p>" + strings.Repeat("word ", 1000) + "</p>"

	got, err := Clean(input, 200)
	require.NoError(t, err)

	assert.True(t, got.Truncated)
	assert.Less(t, len(got.HTML), 220)
}

func TestKeepAttr(t *testing.T) {
	tests := []struct {
		tag  string
		attr string
		want bool
	}{
		{"div", "id", true},
		{"div", "class", true},
		{"div", "ROLE", true},
		{"div", "style", false},
		{"div", "onclick", false},
		{"div", "data-test", true},
		{"a", "href", true},
		{"a", "target", true},
		{"img", "src", true},
		{"img", "alt", true},
		{"input", "name", true},
		{"input", "placeholder", true},
		{"option", "value", true},
		{"label", "for", true},
		{"form", "action", true},
		{"span", "href", false},
	}

	for _, tt := range tests {
		t.Run(tt.tag+"_"+tt.attr, func(t *testing.T) {
			assert.Equal(t, tt.want, keepAttr(tt.tag, tt.attr))
		})
	}
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9222", Endpoint(9222))
}
