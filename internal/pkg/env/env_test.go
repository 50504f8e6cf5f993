package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnviron_FileWins(t *testing.T) {
	t.Setenv("SBILY_TEST_SHARED", "process")
	t.Setenv("SBILY_TEST_PROCESS_ONLY", "process")

	old := Env
	Env = map[string]string{"SBILY_TEST_SHARED": "file", "SBILY_TEST_FILE_ONLY": "file"}
	t.Cleanup(func() { Env = old })

	got := Environ()
	assert.Equal(t, "file", got["SBILY_TEST_SHARED"])
	assert.Equal(t, "process", got["SBILY_TEST_PROCESS_ONLY"])
	assert.Equal(t, "file", got["SBILY_TEST_FILE_ONLY"])
}
