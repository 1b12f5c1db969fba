package smi

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
)

// BinaryName is the executable looked up on $PATH.
const BinaryName = "nvidia-smi"

var (
	// NativeCandidates are the usual driver install locations on Linux.
	NativeCandidates = []string{
		"/usr/bin/nvidia-smi",
		"/usr/local/bin/nvidia-smi",
		"/opt/nvidia/bin/nvidia-smi",
	}
	// WSLCandidates are the locations the Windows driver exposes inside WSL2.
	WSLCandidates = []string{
		"/usr/lib/wsl/lib/nvidia-smi",
		"/usr/lib/wsl/nvidia-smi",
	}
)

// Probe is one strategy for locating a GPU query tool that can produce a reading.
type Probe interface {
	Name() string
	Locate() (string, error)
}

// ExplicitPath accepts exactly the configured path.
type ExplicitPath struct {
	Path string
}

func (p ExplicitPath) Name() string { return "explicit" }

func (p ExplicitPath) Locate() (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("no path configured")
	}
	if err := checkExecutable(p.Path); err != nil {
		return "", err
	}
	return p.Path, nil
}

// PathLookup searches $PATH.
type PathLookup struct {
	Binary string
}

func (p PathLookup) Name() string { return "path" }

func (p PathLookup) Locate() (string, error) {
	binary := p.Binary
	if binary == "" {
		binary = BinaryName
	}
	return exec.LookPath(binary)
}

// Candidates tries a fixed list of paths in order. When Enabled is set and
// reports false the probe is skipped.
type Candidates struct {
	Label   string
	Paths   []string
	Enabled func() bool
}

func (p Candidates) Name() string { return p.Label }

func (p Candidates) Locate() (string, error) {
	if p.Enabled != nil && !p.Enabled() {
		return "", fmt.Errorf("not applicable on this host")
	}
	var errs []error
	for _, candidate := range p.Paths {
		if err := checkExecutable(candidate); err != nil {
			errs = append(errs, err)
			continue
		}
		return candidate, nil
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("no candidates")
	}
	return "", errors.Join(errs...)
}

// DefaultProbes returns the ranked probe list: explicit path, $PATH, native
// install locations, then WSL locations when procVersion identifies WSL.
func DefaultProbes(explicit, procVersion string) []Probe {
	probes := make([]Probe, 0, 4)
	if explicit != "" {
		probes = append(probes, ExplicitPath{Path: explicit})
	}
	probes = append(probes,
		PathLookup{Binary: BinaryName},
		Candidates{Label: "native", Paths: NativeCandidates},
		Candidates{
			Label:   "wsl",
			Paths:   WSLCandidates,
			Enabled: func() bool { return IsWSL(procVersion) },
		},
	)
	return probes
}

// Resolution records which probe found the tool.
type Resolution struct {
	Path  string `json:"path"`
	Probe string `json:"probe"`
}

// Resolve walks probes in rank order and returns the first hit. It is meant to
// run once at startup; the result is cached by the Source. An explicit path
// that cannot be used stops the walk: the operator asked for that binary.
func Resolve(probes []Probe, logger *slog.Logger) (Resolution, error) {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := make(map[string]any, len(probes))
	for _, probe := range probes {
		path, err := probe.Locate()
		if explicit, ok := probe.(ExplicitPath); ok && err != nil {
			return Resolution{}, gmerrors.WrapWithContext(
				gmerrors.ErrCodeConfig,
				"configured nvidia-smi path is not usable",
				err,
				map[string]any{"path": explicit.Path},
			)
		}
		if err != nil {
			logger.Debug("probe missed", "probe", probe.Name(), "err", err)
			attempts[probe.Name()] = err.Error()
			continue
		}
		logger.Info("gpu query tool resolved", "probe", probe.Name(), "path", path)
		return Resolution{Path: path, Probe: probe.Name()}, nil
	}

	return Resolution{}, gmerrors.WrapWithContext(
		gmerrors.ErrCodeConfig,
		"nvidia-smi could not be located",
		exec.ErrNotFound,
		attempts,
	)
}

// IsWSL reports whether the kernel banner at procVersion belongs to WSL.
func IsWSL(procVersion string) bool {
	if procVersion == "" {
		procVersion = "/proc/version"
	}
	data, err := os.ReadFile(procVersion)
	if err != nil {
		return false
	}
	banner := strings.ToLower(string(data))
	return strings.Contains(banner, "microsoft") || strings.Contains(banner, "wsl")
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fs.PathError{Op: "exec", Path: path, Err: errors.New("is a directory")}
	}
	if info.Mode().Perm()&0o111 == 0 {
		return &fs.PathError{Op: "exec", Path: path, Err: fs.ErrPermission}
	}
	return nil
}
