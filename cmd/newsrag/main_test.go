package main

import (
	"flag"
	"testing"
)

func TestCommandIndex(t *testing.T) {
	globals := flag.NewFlagSet("global", flag.ContinueOnError)
	globals.String("data-dir", "", "")

	cases := []struct {
		args []string
		want int
	}{
		{[]string{"newsrag", "ingest"}, 1},
		{[]string{"newsrag", "--data-dir=./x", "ingest", "-full"}, 2},
		{[]string{"newsrag", "--data-dir", "./x", "ingest"}, 3},
		{[]string{"newsrag", "-data-dir", "./x", "ask", "-from=2024-01-01", "q"}, 3},
		{[]string{"newsrag", "--data-dir", "./x"}, 3},
	}
	for _, c := range cases {
		if got := commandIndex(c.args, globals); got != c.want {
			t.Errorf("commandIndex(%q) = %d, want %d", c.args, got, c.want)
		}
	}
}
