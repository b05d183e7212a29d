package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"chatrelay/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskName(t *testing.T) {
	var out bytes.Buffer
	name, err := askName(bufio.NewReader(strings.NewReader("\n  \n alice \n")), &out)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
	assert.Equal(t, 3, strings.Count(out.String(), "Enter user name: "))

	_, err = askName(bufio.NewReader(strings.NewReader("")), &out)
	assert.Error(t, err)
}

func TestInvalidPortArgument(t *testing.T) {
	for _, port := range []string{"1023", "70000", "http"} {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"127.0.0.1", port, "-n", "alice", "--log-file", ""})
		cmd.SetOut(&bytes.Buffer{})
		err := cmd.Execute()
		assert.ErrorIs(t, err, config.ErrInvalidConfig, port)
	}
}

func TestTooManyArguments(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"127.0.0.1", "7777", "extra"})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
