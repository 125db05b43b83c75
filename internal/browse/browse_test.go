package browse

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/robman/flo.monster-sub000/internal/config"
)

func TestConfigFromStreamSettings(t *testing.T) {
	cfg := config.Default()

	bc := Config{
		ViewportW:    cfg.Stream.ViewportWidth,
		ViewportH:    cfg.Stream.ViewportHeight,
		FrameQuality: cfg.Stream.FrameQuality,
	}
	bc.applyDefaults()

	assert.Equal(t, 1280, bc.ViewportW)
	assert.Equal(t, 800, bc.ViewportH)
	assert.Equal(t, 40, bc.FrameQuality)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{FrameQuality: 150}
	c.applyDefaults()
	assert.Equal(t, 1280, c.ViewportW)
	assert.Equal(t, 800, c.ViewportH)
	assert.Equal(t, DefaultFrameQuality, c.FrameQuality)
	assert.NotNil(t, c.Logger)
}
