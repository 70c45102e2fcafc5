package cache

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Normalizes(t *testing.T) {
	a, err := url.Parse("HTTP://App.Local/api/agents?x=1#top")
	require.NoError(t, err)
	b, err := url.Parse("http://app.local/api/agents?x=1")
	require.NoError(t, err)

	assert.Equal(t, Key("get", a), Key(http.MethodGet, b))
	assert.Equal(t, "GET http://app.local/api/agents?x=1", Key(http.MethodGet, b))
}

func TestKey_QueryDistinguishes(t *testing.T) {
	a, _ := url.Parse("http://app.local/api/agents?page=1")
	b, _ := url.Parse("http://app.local/api/agents?page=2")
	assert.NotEqual(t, Key(http.MethodGet, a), Key(http.MethodGet, b))
}

func TestNormalizeURL_EmptyPath(t *testing.T) {
	u, _ := url.Parse("http://app.local")
	assert.Equal(t, "http://app.local/", NormalizeURL(u))
	assert.Equal(t, "", NormalizeURL(nil))
}

func TestNewSnapshot_CopiesInputs(t *testing.T) {
	u, _ := url.Parse("http://app.local/main.css")
	h := http.Header{"Content-Type": []string{"text/css"}}
	body := []byte("body{}")

	snap := NewSnapshot(http.MethodGet, u, 200, h, body, time.Now())
	body[0] = 'X'
	h.Set("Content-Type", "text/plain")

	assert.Equal(t, "body{}", string(snap.Body))
	assert.Equal(t, "text/css", snap.Header.Get("Content-Type"))

	clone := snap.Clone()
	clone.Body[0] = 'Y'
	assert.Equal(t, "body{}", string(snap.Body))
}

func TestNewSnapshot_NilHeader(t *testing.T) {
	u, _ := url.Parse("http://app.local/")
	snap := NewSnapshot(http.MethodGet, u, 200, nil, nil, time.Now())
	assert.NotNil(t, snap.Header)
}
