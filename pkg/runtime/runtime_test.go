package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTail(t *testing.T) {
	logs := "one\ntwo\nthree\nfour\n"

	assert.Equal(t, logs, tail(logs, 0), "non-positive tail returns everything")
	assert.Equal(t, logs, tail(logs, 10), "tail longer than input returns everything")
	assert.Equal(t, "three\nfour\n", tail(logs, 2))
	assert.Equal(t, "four\n", tail(logs, 1))
	assert.Equal(t, "", tail("", 5))
}
