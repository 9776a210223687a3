// Package config holds the kernel agent's CLI-configurable options and
// the language alias table used to resolve create_kernel's lang argument
// to a canonical, image-backed tag.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is every CLI/configuration option the agent exposes.
type Config struct {
	AgentIP      string
	AgentPort    int
	EventAddr    string
	ExecTimeoutS int
	IdleTimeoutS int
	MaxKernels   int
	VolumeRoot   string
	Aliases      string // path to a kernel-aliases file, optional
	Debug        bool
}

// Default returns the option set with every default value from the
// configuration table, leaving AgentIP empty for auto-detection.
func Default() Config {
	return Config{
		AgentPort:    6001,
		EventAddr:    "127.0.0.1:5002",
		ExecTimeoutS: 180,
		IdleTimeoutS: 600,
		MaxKernels:   1,
		VolumeRoot:   "/var/lib/kernel-agent/volumes",
	}
}

// AliasTable maps a language alias to its canonical, image-backed tag.
type AliasTable map[string]string

// DefaultAliases seeds the alias table the way the original agent's
// startup code does: a handful of legacy and shorthand names mapped onto
// the canonical per-major-version image tags.
func DefaultAliases() AliasTable {
	return AliasTable{
		"python":                 "python3",
		"python26":               "python2",
		"python27":               "python2",
		"python34":               "python3",
		"python35":               "python3",
		"python36":               "python3",
		"python3-deeplearning":   "python3-tensorflow",
		"tensorflow-python3":     "python3-tensorflow",
		"tensorflow-python3-gpu": "python3-tensorflow-gpu",
		"caffe-python3":          "python3-caffe",
		"theano-python3":         "python3-theano",
		"r":                      "r3",
		"R":                      "r3",
		"Rscript":                "r3",
		"php":                    "php7",
		"node":                   "nodejs6",
		"nodejs":                 "nodejs6",
		"js":                     "nodejs6",
		"javascript":             "nodejs6",
		"lua":                    "lua5",
		"git-shell":              "git",
		"shell":                  "git",
		"octave":                 "octave4",
	}
}

// Resolve looks up lang in the table, falling through to lang itself if
// no alias entry exists — callers distinguish "unknown language" from
// "known canonical tag" by checking the result against SupportedLangs,
// not against this table.
func (t AliasTable) Resolve(lang string) string {
	if canonical, ok := t[lang]; ok {
		return canonical
	}
	return lang
}

// SupportedLangs is the set of canonical language tags the agent will
// create a kernel for. An alias-resolved tag outside this set fails
// create_kernel with UnsupportedLang.
var SupportedLangs = map[string]struct{}{
	"python2":                {},
	"python3":                {},
	"python3-tensorflow":     {},
	"python3-tensorflow-gpu": {},
	"python3-caffe":          {},
	"python3-theano":         {},
	"r3":                     {},
	"php7":                   {},
	"nodejs6":                {},
	"lua5":                   {},
	"git":                    {},
	"octave4":                {},
	"julia":                  {},
	"haskell":                {},
}

// IsSupported reports whether a canonical (already alias-resolved)
// language tag is one the agent will create a kernel for.
func IsSupported(canonical string) bool {
	_, ok := SupportedLangs[canonical]
	return ok
}

// LoadAliasFile parses a kernel-aliases file (a YAML mapping of alias to
// canonical tag, e.g. "mypy: python3") and merges it over base, with file
// entries taking precedence.
func LoadAliasFile(path string, base AliasTable) (AliasTable, error) {
	merged := make(AliasTable, len(base))
	for k, v := range base {
		merged[k] = v
	}
	if path == "" {
		return merged, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load kernel aliases %s: %w", path, err)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse kernel aliases %s: %w", path, err)
	}
	for alias, canonical := range overrides {
		merged[alias] = canonical
	}
	return merged, nil
}
