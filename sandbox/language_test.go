package sandbox

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxd/config"
)

func TestDefaultLanguages(t *testing.T) {
	tests := []struct {
		language   string
		fileName   string
		runCommand string
	}{
		{"python", "main.py", "python main.py"},
		{"nodejs", "index.js", "node index.js"},
		{"go", "main.go", "go build -o app main.go && ./app"},
		{"cpp", "main.cpp", "g++ -std=c++17 -O2 -o app main.cpp && ./app"},
		{"shell", "main.sh", "sh main.sh"},
	}

	langs := DefaultLanguages()
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			lang, err := langs.Lookup(tt.language)
			require.NoError(t, err)
			assert.Equal(t, tt.fileName, lang.FileName)
			assert.Equal(t, tt.runCommand, lang.RunCommand)
			assert.NotEmpty(t, lang.Image)
			assert.Equal(t, []string{"sh", "-c", tt.runCommand}, lang.Command())
		})
	}

	t.Run("Unsupported", func(t *testing.T) {
		_, err := langs.Lookup("cobol")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported language: cobol")
	})

	t.Run("NamesSorted", func(t *testing.T) {
		assert.Equal(t, []string{"cpp", "go", "nodejs", "python", "shell"}, langs.Names())
	})
}

func TestLanguagesFromConfig(t *testing.T) {
	t.Run("OverrideBuiltIn", func(t *testing.T) {
		langs, err := LanguagesFromConfig(map[string]config.Language{
			"python": {
				Image:       "python:3.12-slim",
				Environment: []string{"PYTHONPATH=/workdir", "EMPTY="},
				PrefixCode:  "import sys\n",
			},
		})
		require.NoError(t, err)

		py := langs["python"]
		assert.Equal(t, "python:3.12-slim", py.Image)
		assert.Equal(t, "main.py", py.FileName)
		assert.Equal(t, "/workdir", py.Environment["PYTHONPATH"])
		assert.Equal(t, "1", py.Environment["PYTHONUNBUFFERED"])
		assert.Contains(t, py.Environment, "EMPTY")
		assert.Equal(t, "import sys\nprint(1)", py.Source("print(1)"))

		// Built-ins are not shared between calls.
		assert.NotContains(t, DefaultLanguages()["python"].Environment, "PYTHONPATH")
	})

	t.Run("NewLanguage", func(t *testing.T) {
		langs, err := LanguagesFromConfig(map[string]config.Language{
			"ruby": {Image: "ruby:3.3-alpine", FileName: "main.rb", RunCommand: "ruby main.rb"},
		})
		require.NoError(t, err)
		assert.Equal(t, "ruby", langs["ruby"].Name)
		assert.Len(t, langs, 6)
	})

	t.Run("IncompleteNewLanguage", func(t *testing.T) {
		_, err := LanguagesFromConfig(map[string]config.Language{"ruby": {Image: "ruby:3.3-alpine"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image, file_name and run_command are required")
	})

	t.Run("MalformedEnvironment", func(t *testing.T) {
		_, err := LanguagesFromConfig(map[string]config.Language{"python": {Environment: []string{"NOEQUALS"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected KEY=VALUE")
	})

	t.Run("FileNameWithDirectory", func(t *testing.T) {
		_, err := LanguagesFromConfig(map[string]config.Language{"python": {FileName: "../main.py"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bare file name")
	})
}

func TestLanguageBundle(t *testing.T) {
	lang := Language{Name: "python", FileName: "main.py", PrefixCode: "# head\n", PostfixCode: "\n# tail"}

	data, err := lang.Bundle("print('hello')")
	require.NoError(t, err)

	files := map[string][]byte{}
	modes := map[string]int64{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = body
		modes[hdr.Name] = hdr.Mode
	}

	assert.Equal(t, "# head\nprint('hello')\n# tail", string(files["workdir/main.py"]))
	assert.Equal(t, int64(0o777), modes["workdir/"])
	assert.Equal(t, int64(0o644), modes["workdir/main.py"])
}
