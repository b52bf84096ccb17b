package sandbox

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/isdmx/sandboxd/config"
)

// LanguageName constants
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageGo     = "go"
	LanguageCPP    = "cpp"
	LanguageShell  = "shell"
)

// File permission and size constants
const (
	DirPermission  = 0755
	FilePermission = 0600
	// bundleDirMode lets the unprivileged sandbox user write build output.
	bundleDirMode  = 0o777
	bundleFileMode = 0o644
)

// Language is everything needed to turn a payload into a container run.
type Language struct {
	Name        string
	Image       string
	FileName    string
	RunCommand  string
	Environment map[string]string
	PrefixCode  string
	PostfixCode string
}

// Languages maps a payload language to its profile.
type Languages map[string]Language

// DefaultLanguages returns the built-in profiles.
func DefaultLanguages() Languages {
	return Languages{
		LanguagePython: {
			Name:        LanguagePython,
			Image:       "python:3.11-slim",
			FileName:    "main.py",
			RunCommand:  "python main.py",
			Environment: map[string]string{"PYTHONUNBUFFERED": "1", "PYTHONDONTWRITEBYTECODE": "1"},
		},
		LanguageNodeJS: {
			Name:       LanguageNodeJS,
			Image:      "node:20-alpine",
			FileName:   "index.js",
			RunCommand: "node index.js",
		},
		LanguageGo: {
			Name:        LanguageGo,
			Image:       "golang:1.23-alpine",
			FileName:    "main.go",
			RunCommand:  "go build -o app main.go && ./app",
			Environment: map[string]string{"GOCACHE": "/tmp/gocache", "GOPATH": "/tmp/gopath"},
		},
		LanguageCPP: {
			Name:       LanguageCPP,
			Image:      "gcc:13",
			FileName:   "main.cpp",
			RunCommand: "g++ -std=c++17 -O2 -o app main.cpp && ./app",
		},
		LanguageShell: {
			Name:       LanguageShell,
			Image:      "alpine:3.20",
			FileName:   "main.sh",
			RunCommand: "sh main.sh",
		},
	}
}

// LanguagesFromConfig overlays configured overrides on the built-in profiles.
// Languages only present in the configuration must name an image, a file and
// a run command.
func LanguagesFromConfig(overrides map[string]config.Language) (Languages, error) {
	langs := DefaultLanguages()
	for name, o := range overrides {
		lang := langs[name]
		lang.Name = name
		if o.Image != "" {
			lang.Image = o.Image
		}
		if o.FileName != "" {
			lang.FileName = o.FileName
		}
		if o.RunCommand != "" {
			lang.RunCommand = o.RunCommand
		}
		if o.PrefixCode != "" {
			lang.PrefixCode = o.PrefixCode
		}
		if o.PostfixCode != "" {
			lang.PostfixCode = o.PostfixCode
		}
		if len(o.Environment) > 0 {
			env := make(map[string]string, len(lang.Environment)+len(o.Environment))
			for k, v := range lang.Environment {
				env[k] = v
			}
			for _, kv := range o.Environment {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("languages.%s.environment: expected KEY=VALUE, got %q", name, kv)
				}
				env[k] = v
			}
			lang.Environment = env
		}
		if lang.Image == "" || lang.FileName == "" || lang.RunCommand == "" {
			return nil, fmt.Errorf("languages.%s: image, file_name and run_command are required", name)
		}
		if path.Base(lang.FileName) != lang.FileName {
			return nil, fmt.Errorf("languages.%s.file_name must be a bare file name, got %q", name, lang.FileName)
		}
		langs[name] = lang
	}
	return langs, nil
}

// Lookup returns the profile for language.
func (l Languages) Lookup(language string) (Language, error) {
	lang, ok := l[language]
	if !ok {
		return Language{}, fmt.Errorf("unsupported language: %s", language)
	}
	return lang, nil
}

// Names returns the supported languages in sorted order.
func (l Languages) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source applies the configured hooks around the user code.
func (lang Language) Source(code string) string {
	return lang.PrefixCode + code + lang.PostfixCode
}

// Command is the container entry point for this language.
func (lang Language) Command() []string {
	return []string{"sh", "-c", lang.RunCommand}
}

// Bundle packs the code into a tar archive rooted at "/": a world-writable
// workdir holding the source file.
func (lang Language) Bundle(code string) ([]byte, error) {
	dir := strings.TrimPrefix(WorkDir, "/")
	return BuildArchive([]ArchiveEntry{
		{Name: dir + "/", Mode: bundleDirMode, Dir: true},
		{Name: dir + "/" + lang.FileName, Mode: bundleFileMode, Data: []byte(lang.Source(code))},
	})
}
