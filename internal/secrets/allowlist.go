package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML indicates an allowlist file that exists but cannot be parsed.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")

	// ErrInvalidRegex indicates an allowlist pattern that does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist holds path and content regex patterns excluded from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlists merges the workspace .gitleaks.toml with an optional
// user-level allowlist file. Missing files are skipped; files that exist
// but fail to parse or contain invalid patterns return an error.
func LoadAllowlists(workspaceDir, userFile string) (*Allowlist, error) {
	merged := &Allowlist{
		Paths:   []string{},
		Regexes: []string{},
	}

	files := []string{}
	if workspaceDir != "" {
		files = append(files, filepath.Join(workspaceDir, ".gitleaks.toml"))
	}
	if userFile != "" {
		files = append(files, userFile)
	}

	for _, f := range files {
		list, err := loadTOML(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		merged.Paths = append(merged.Paths, list.Paths...)
		merged.Regexes = append(merged.Regexes, list.Regexes...)
	}

	return merged, nil
}

// loadTOML reads one allowlist file and validates every pattern up front,
// so applyAllowlist can treat compilation failures as bugs.
func loadTOML(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   file.Allowlist.Paths,
		Regexes: file.Allowlist.Regexes,
	}, nil
}
