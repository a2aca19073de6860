package browser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionKind(t *testing.T) {
	index := 0

	tests := []struct {
		name    string
		action  Action
		want    string
		wantErr string
	}{
		{
			name:   "navigate",
			action: Action{Navigate: &NavigateAction{URL: "https://example.com"}},
			want:   "navigate",
		},
		{
			name:   "click by index",
			action: Action{Click: &ClickAction{Index: &index}},
			want:   "click",
		},
		{
			name:   "console view without params",
			action: Action{ConsoleView: &ConsoleViewAction{}},
			want:   "console_view",
		},
		{
			name:    "empty action",
			action:  Action{},
			wantErr: "no action specified",
		},
		{
			name: "two verbs set",
			action: Action{
				Navigate: &NavigateAction{URL: "https://example.com"},
				View:     &ViewAction{},
			},
			wantErr: "multiple actions specified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.action.Kind()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSummarize(t *testing.T) {
	var a, b, c pageElement
	a.Tag = "a"
	a.Text = "Sign in"
	b.Tag = "button"
	b.Href = ""
	c.Tag = "a"
	c.Href = "/docs"

	summary := summarize([]pageElement{a, b, c})
	lines := strings.Split(summary, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "0[:]<a> Sign in", lines[0])
	assert.Equal(t, "1[:]<button>", lines[1])
	assert.Equal(t, "2[:]<a> /docs", lines[2])
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, "", summarize(nil))
}

func TestElementCenter(t *testing.T) {
	var el pageElement
	el.Rect.X = 10
	el.Rect.Y = 20
	el.Rect.Width = 100
	el.Rect.Height = 40

	x, y := el.center()
	assert.Equal(t, 60.0, x)
	assert.Equal(t, 40.0, y)
}

func TestScrollMetrics(t *testing.T) {
	tests := []struct {
		name       string
		metrics    scrollMetrics
		wantAbove int
		wantBelow int
	}{
		{
			name:      "top of a long page",
			metrics:   scrollMetrics{ScrollY: 0, InnerHeight: 800, ScrollHeight: 3000},
			wantAbove: 0,
			wantBelow: 2200,
		},
		{
			name:      "middle",
			metrics:   scrollMetrics{ScrollY: 1000, InnerHeight: 800, ScrollHeight: 3000},
			wantAbove: 1000,
			wantBelow: 1200,
		},
		{
			name:      "bottom never goes negative",
			metrics:   scrollMetrics{ScrollY: 2500, InnerHeight: 800, ScrollHeight: 3000},
			wantAbove: 2500,
			wantBelow: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantAbove, tt.metrics.pixelsAbove())
			assert.Equal(t, tt.wantBelow, tt.metrics.pixelsBelow())
		})
	}
}

func TestHostnameSlug(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.example.com/path", "example"},
		{"https://docs.google.com/spreadsheets", "docs_google"},
		{"http://localhost:8080/", "localhost"},
		{"about:blank", "about:blank"},
		{"file:///tmp/page.html", "page_html"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, hostnameSlug(tt.url))
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "enter", normalizeKey(" Enter "))

	for _, name := range []string{"enter", "tab", "esc", "up", "down", "left", "right", "backspace", "delete"} {
		_, ok := keyNames[name]
		assert.True(t, ok, "key %q should be mapped", name)
	}
}

func TestEvalExprJSQuoting(t *testing.T) {
	js := evalExprJS(`document.title + "it's"`)
	assert.Contains(t, js, `"document.title + \"it's\""`)
	assert.Contains(t, js, "eval")
}

func TestConsoleLogsJSLimit(t *testing.T) {
	js := consoleLogsJS(42)
	assert.Contains(t, js, "slice(-42)")
}

func TestWriteScreenshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shots", "page.png")

	require.NoError(t, writeScreenshot(path, []byte{0x89, 0x50}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, data)
}

func TestSessionStateBeforeInit(t *testing.T) {
	s := &Session{state: StateStarted}
	assert.Equal(t, StateStarted, s.State())

	_, err := s.page()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}
