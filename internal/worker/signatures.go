package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ProjectSignaturesFile is the per-project signature table, looked up in
// the worker's working directory.
const ProjectSignaturesFile = ".iterd.toml"

var (
	// ErrInvalidTOML indicates a signature file exists but does not parse.
	ErrInvalidTOML = errors.New("invalid signatures TOML")

	// ErrInvalidSignature indicates a signature entry that cannot be used.
	ErrInvalidSignature = errors.New("invalid failure signature")
)

// Signature describes one recognizable class of recoverable worker failure.
//
// A signature matches when the exit code is listed (or the list is empty)
// and any stderr pattern matches (or the list is empty). At least one of
// the two must be given.
type Signature struct {
	Name      string   `toml:"name"`
	ExitCodes []int    `toml:"exit_codes"`
	Patterns  []string `toml:"patterns"`
}

// signatureFile is the TOML layout of a signatures file:
//
//	[[signatures]]
//	name = "rate-limit"
//	exit_codes = [1]
//	patterns = ["(?i)rate.?limit"]
type signatureFile struct {
	Signatures []Signature `toml:"signatures"`
}

// defaultSignatures covers common transient failures so a bare install
// retries sensibly. Workers that exit 1 with one of these stderr shapes
// are worth another attempt.
func defaultSignatures() []Signature {
	return []Signature{
		{
			Name:      "timeout",
			ExitCodes: []int{1},
			Patterns:  []string{`(?i)timed?\s?out`, `(?i)deadline exceeded`},
		},
		{
			Name:      "rate-limit",
			ExitCodes: []int{1},
			Patterns:  []string{`(?i)rate.?limit`, `(?i)too many requests`, `\b429\b`},
		},
		{
			Name:      "connection",
			ExitCodes: []int{1},
			Patterns:  []string{`(?i)connection (refused|reset|closed)`, `(?i)network is unreachable`, `(?i)no such host`},
		},
	}
}

// LoadSignatures merges failure-signature tables union-style: the project
// file (<workDir>/.iterd.toml), then the user file, then the built-in
// defaults. Earlier entries win when several match, so local tables can
// shadow a default's name for the same shape. Missing files are ignored;
// unparseable TOML or patterns are errors.
func LoadSignatures(workDir, userPath string) ([]Signature, error) {
	var merged []Signature

	if workDir != "" {
		project, err := loadSignatureFile(filepath.Join(workDir, ProjectSignaturesFile))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			merged = append(merged, project...)
		}
	}

	if userPath != "" {
		user, err := loadSignatureFile(userPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			merged = append(merged, user...)
		}
	}

	merged = append(merged, defaultSignatures()...)
	return merged, nil
}

// loadSignatureFile loads and validates one signature table.
func loadSignatureFile(path string) ([]Signature, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var file signatureFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, sig := range file.Signatures {
		if sig.Name == "" {
			return nil, fmt.Errorf("%w: unnamed signature in %s", ErrInvalidSignature, path)
		}
		if len(sig.ExitCodes) == 0 && len(sig.Patterns) == 0 {
			return nil, fmt.Errorf("%w: signature %q in %s has neither exit codes nor patterns", ErrInvalidSignature, sig.Name, path)
		}
		for _, pattern := range sig.Patterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return nil, fmt.Errorf("%w: pattern %q in signature %q (%s): %v", ErrInvalidSignature, pattern, sig.Name, path, err)
			}
		}
	}

	return file.Signatures, nil
}

// compiledSignature is a signature with its patterns pre-compiled.
type compiledSignature struct {
	name      string
	exitCodes map[int]struct{}
	patterns  []*regexp.Regexp
}

// compileSignatures prepares signatures for matching. Assumes they passed
// load-time validation.
func compileSignatures(sigs []Signature) ([]compiledSignature, error) {
	compiled := make([]compiledSignature, 0, len(sigs))
	for _, sig := range sigs {
		c := compiledSignature{name: sig.Name}
		if len(sig.ExitCodes) > 0 {
			c.exitCodes = make(map[int]struct{}, len(sig.ExitCodes))
			for _, code := range sig.ExitCodes {
				c.exitCodes[code] = struct{}{}
			}
		}
		for _, pattern := range sig.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %q in signature %q: %v", ErrInvalidSignature, pattern, sig.Name, err)
			}
			c.patterns = append(c.patterns, re)
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// matchSignature returns the name of the first signature matching the exit
// code and stderr, in table order.
func matchSignature(sigs []compiledSignature, exitCode int, stderr string) (string, bool) {
	for _, sig := range sigs {
		if sig.exitCodes != nil {
			if _, ok := sig.exitCodes[exitCode]; !ok {
				continue
			}
		}
		if len(sig.patterns) == 0 {
			return sig.name, true
		}
		for _, re := range sig.patterns {
			if re.MatchString(stderr) {
				return sig.name, true
			}
		}
	}
	return "", false
}
