package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	assert.Equal(t, "v0.0.0", New(0).String())
	assert.Equal(t, "v1.2.3", New(1).Minor(2).Patch(3).String())
	assert.Equal(t, "v0.1.0-alpha.2", New(0).Minor(1).Alpha(2))
}
