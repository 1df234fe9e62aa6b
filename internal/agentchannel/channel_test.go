package agentchannel

import (
	"bufio"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestWaitForMarker_Found(t *testing.T) {
	is := is.New(t)

	r := bufio.NewReader(strings.NewReader("garbagez1more"))
	is.NoErr(waitForMarker(r, readyMarker))
}

func TestWaitForMarker_NeverAppears(t *testing.T) {
	is := is.New(t)

	r := bufio.NewReader(strings.NewReader("no marker here"))
	is.True(waitForMarker(r, readyMarker) != nil)
}

func TestWaitForMarker_SplitAcrossReads(t *testing.T) {
	is := is.New(t)

	// Marker straddling a spot where a naive fixed-size window could drop
	// the leading byte.
	r := bufio.NewReader(strings.NewReader("xxxxxxxxxxz1"))
	is.NoErr(waitForMarker(r, readyMarker))
}

func TestParseTrailingStatus(t *testing.T) {
	is := is.New(t)

	body, code, ok := parseTrailingStatus("hello:0")
	is.True(ok)
	is.Equal(body, "hello")
	is.Equal(code, 0)

	_, _, ok = parseTrailingStatus("no colon here")
	is.True(!ok)

	_, _, ok = parseTrailingStatus("body:notanumber")
	is.True(!ok)
}
