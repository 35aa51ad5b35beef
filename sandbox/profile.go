package sandbox

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/isdmx/runmeter/config"
)

// Placeholders understood by compile and run command templates.
const (
	PlaceholderSource = "{source}"
	PlaceholderDir    = "{dir}"
)

// Profile describes how one language is built and run.
type Profile struct {
	Language   string
	Image      string
	CompileCmd string
	RunCmd     string
	Filename   string
	Env        map[string]string
}

// HasCompileStep reports whether the profile needs a separate compile container.
func (p Profile) HasCompileStep() bool {
	return strings.TrimSpace(p.CompileCmd) != ""
}

// Validate checks the invariants every registered profile must hold.
func (p Profile) Validate() error {
	if p.Language == "" {
		return fmt.Errorf("profile language must not be empty")
	}
	if p.Image == "" {
		return fmt.Errorf("profile %s: image must not be empty", p.Language)
	}
	if p.Filename == "" || filepath.Base(p.Filename) != p.Filename || p.Filename == "." || p.Filename == ".." {
		return fmt.Errorf("profile %s: filename must be a plain file name, got %q", p.Language, p.Filename)
	}
	if !strings.Contains(p.RunCmd, PlaceholderSource) && !strings.Contains(p.RunCmd, PlaceholderDir) {
		return fmt.Errorf("profile %s: run command must reference %s or %s", p.Language, PlaceholderSource, PlaceholderDir)
	}
	if p.HasCompileStep() && !strings.Contains(p.CompileCmd, PlaceholderSource) {
		return fmt.Errorf("profile %s: compile command must reference %s", p.Language, PlaceholderSource)
	}
	if _, err := splitTemplate(p.RunCmd); err != nil {
		return fmt.Errorf("profile %s: invalid run command: %w", p.Language, err)
	}
	if p.HasCompileStep() {
		if _, err := splitTemplate(p.CompileCmd); err != nil {
			return fmt.Errorf("profile %s: invalid compile command: %w", p.Language, err)
		}
	}
	return nil
}

// CompileCommand expands the compile template for a staged source file.
func (p Profile) CompileCommand(source, dir string) ([]string, error) {
	return expandTemplate(p.CompileCmd, source, dir)
}

// RunCommand expands the run template for a staged source file.
func (p Profile) RunCommand(source, dir string) ([]string, error) {
	return expandTemplate(p.RunCmd, source, dir)
}

// EnvList returns the environment as sorted KEY=VALUE pairs.
func (p Profile) EnvList() []string {
	env := make([]string, 0, len(p.Env))
	for _, key := range slices.Sorted(maps.Keys(p.Env)) {
		env = append(env, key+"="+p.Env[key])
	}
	return env
}

func splitTemplate(tmpl string) ([]string, error) {
	fields, err := shlex.Split(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse command template failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return fields, nil
}

// expandTemplate splits before substituting so paths never get re-tokenised.
func expandTemplate(tmpl, source, dir string) ([]string, error) {
	fields, err := splitTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	r := strings.NewReplacer(PlaceholderSource, source, PlaceholderDir, dir)
	for i, f := range fields {
		fields[i] = r.Replace(f)
	}
	return fields, nil
}

// Registry maps language ids to profiles. It is read-only once built.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry validates and indexes the given profiles.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.Language]; dup {
			return nil, fmt.Errorf("duplicate profile for language %s", p.Language)
		}
		r.profiles[p.Language] = p
	}
	return r, nil
}

// NewRegistryFromConfig builds the registry from the languages section.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	profiles := make([]Profile, 0, len(cfg.Languages))
	for name, lang := range cfg.Languages {
		env := make(map[string]string, len(lang.Environment))
		for k, v := range lang.Environment {
			// viper lowercases map keys
			env[strings.ToUpper(k)] = v
		}
		profiles = append(profiles, Profile{
			Language:   name,
			Image:      lang.Image,
			CompileCmd: lang.CompileCmd,
			RunCmd:     lang.RunCmd,
			Filename:   lang.Filename,
			Env:        env,
		})
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Language < profiles[j].Language })
	return NewRegistry(profiles...)
}

// Lookup returns the profile for language or an UnsupportedLanguage error.
func (r *Registry) Lookup(language string) (Profile, error) {
	p, ok := r.profiles[language]
	if !ok {
		return Profile{}, unsupportedLanguage(language)
	}
	return p, nil
}

// Languages returns the registered language ids in sorted order.
func (r *Registry) Languages() []string {
	return slices.Sorted(maps.Keys(r.profiles))
}

// Images returns the distinct images referenced by the registry.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.profiles))
	for _, p := range r.profiles {
		seen[p.Image] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}
