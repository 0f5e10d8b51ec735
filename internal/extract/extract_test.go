package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<!DOCTYPE html>
<html><head><title> Release Notes </title><script>alert("x")</script></head>
<body>
<h1>Version 2</h1>
<p>Adds <a href="/docs">docs</a> and <b>faster</b> sync.</p>
<script>track()</script>
</body></html>`

func TestExtract_HTML(t *testing.T) {
	c, err := New().Extract([]byte(page), "text/html", "https://x.com/notes")
	require.NoError(t, err)
	assert.Equal(t, "Release Notes", c.Title)
	assert.Contains(t, c.Text, "Version 2")
	assert.Contains(t, c.Text, "**faster**")
	assert.Contains(t, c.Text, "https://x.com/docs")
	assert.NotContains(t, c.Text, "track()")
	assert.NotContains(t, c.Text, "alert")
}

func TestExtract_SniffsHTMLWithoutContentType(t *testing.T) {
	c, err := New().Extract([]byte(page), "", "https://x.com/notes")
	require.NoError(t, err)
	assert.Equal(t, "Release Notes", c.Title)
}

func TestExtract_PlainText(t *testing.T) {
	c, err := New().Extract([]byte("  just text \n"), "text/plain", "")
	require.NoError(t, err)
	assert.Equal(t, "just text", c.Text)
	assert.Empty(t, c.Title)
}

func TestExtract_Empty(t *testing.T) {
	_, err := New().Extract([]byte("<html><body><script>x()</script></body></html>"), "text/html", "")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestExtract_InvalidPDF(t *testing.T) {
	_, err := New().Extract([]byte("%PDF-1.4 not really"), "application/pdf", "")
	assert.Error(t, err)
}

func TestVisibleText(t *testing.T) {
	c, err := New().HTML([]byte("<html><head><title>T</title></head><body><p>a</p><p>b</p></body></html>"), "")
	require.NoError(t, err)
	assert.Equal(t, "T", c.Title)
	assert.Contains(t, c.Text, "a")
	assert.Contains(t, c.Text, "b")
}
