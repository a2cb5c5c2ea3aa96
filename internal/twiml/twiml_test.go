package twiml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRender_Listen(t *testing.T) {
	out, err := Render(Listen("https://hooks.example.com/turn?cid=CFx&role=agent")...)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, `<?xml version="1.0" encoding="UTF-8"?>`))
	require.Contains(t, out, `<Gather input="speech"`)
	require.Contains(t, out, `speechTimeout="auto"`)
	require.Contains(t, out, `<Redirect method="POST">`)
	// Query ampersands must be escaped in attribute and element content.
	require.Contains(t, out, `cid=CFx&amp;role=agent`)
	require.NotContains(t, out, `role=agent"&`)
}

func TestRender_SpeakAndListen(t *testing.T) {
	out, err := Render(SpeakAndListen("Hello <there>", "Polly.Joanna", "https://x/turn")...)
	require.NoError(t, err)
	require.Contains(t, out, `<Say voice="Polly.Joanna">Hello &lt;there&gt;</Say>`)
	require.Less(t, strings.Index(out, "<Say"), strings.Index(out, "<Gather"), "say precedes gather")
}

func TestRender_Hangup(t *testing.T) {
	out, err := Render(Hangup{})
	require.NoError(t, err)
	require.Contains(t, out, "<Hangup></Hangup>")
}
