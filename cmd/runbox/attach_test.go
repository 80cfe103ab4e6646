package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/config"
)

func TestDetectLanguage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "languages.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
languages:
  - name: lua
    filename: main.lua
    image: nickblah/lua:5.4
    run: [lua, main.lua]
`), 0o644))

	cfg := &config.Config{}
	cfg.Languages.Default = "python"
	cfg.Languages.File = file

	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "hello.py", want: "python"},
		{path: "Main.JAVA", want: "java"},
		{path: "game.lua", want: "lua"},
		{path: "notes.txt", wantErr: true},
		{path: "Makefile", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := detectLanguage(cfg, tt.path)
			if tt.wantErr {
				assert.ErrorContains(t, err, "use --language")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectLanguageBadFile(t *testing.T) {
	cfg := &config.Config{}
	cfg.Languages.Default = "python"
	cfg.Languages.File = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := detectLanguage(cfg, "hello.py")
	assert.Error(t, err)
}
