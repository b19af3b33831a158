package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
)

func TestReadLines(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		stopAt string
		expect []string
	}{
		{"empty", "", "", []string{}},
		{"trim", " status \n\n  send {}\r\n", "", []string{"status", "send {}"}},
		{"stop", "a\nquit\nb\n", "quit", []string{"a", "quit"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			a := alive.NewAlive()
			got := []string{}
			err := ReadLines(a, strings.NewReader(c.input), func(line string) {
				got = append(got, line)
				if line == c.stopAt {
					a.Stop()
				}
			})
			require.NoError(t, err)
			assert.Equal(t, c.expect, got)
		})
	}
}
