// Package runtime resolves hash-identified Python environments to cached
// venv directories, building at most once per hash (spec.md §4.1).
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"antcode/internal/domain"
	"antcode/pkg/apperror"
	"antcode/pkg/metrics"
	"antcode/pkg/telemetry"
)

// packageNameRe matches a single pip/uv requirement specifier and rejects
// anything that could be interpreted as a flag (spec.md §4.1).
var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@/+=:~\[\](),<>!#-]*$`)

// ValidatePackageName rejects requirement strings that could inject an
// extra flag into the package manager invocation.
func ValidatePackageName(name string) error {
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("package name %q must not start with '-'", name)
	}
	if !packageNameRe.MatchString(name) {
		return fmt.Errorf("package name %q has invalid characters", name)
	}
	return nil
}

// Manifest is the on-disk record written to <venvs_dir>/<hash>/manifest.json
// once a venv build completes successfully.
type Manifest struct {
	RuntimeHash      string    `json:"runtime_hash"`
	PythonVersion    string    `json:"python_version"`
	Requirements     []string  `json:"requirements"`
	Constraints      []string  `json:"constraints"`
	PythonExecutable string    `json:"python_executable"`
	BuiltAt          time.Time `json:"built_at"`
}

// InterpreterLocator finds a Python interpreter satisfying a version
// prefix, trying version managers, preregistered local interpreters and
// the system PATH in that order (spec.md §4.1 step 4).
type InterpreterLocator struct {
	LocalInterpreters []string
}

// Locate returns the path to a python executable whose `--version` output
// matches pythonVersion as a prefix, or an error if none is found.
func (l *InterpreterLocator) Locate(ctx context.Context, pythonVersion string) (string, error) {
	candidates := make([]string, 0, len(l.LocalInterpreters)+2)

	if misePath, err := exec.LookPath("mise"); err == nil {
		if out, err := exec.CommandContext(ctx, misePath, "which", "python"+pythonVersion).Output(); err == nil {
			candidates = append(candidates, strings.TrimSpace(string(out)))
		}
	}

	candidates = append(candidates, l.LocalInterpreters...)

	if sysPython, err := exec.LookPath("python" + pythonVersion); err == nil {
		candidates = append(candidates, sysPython)
	}
	if sysPython, err := exec.LookPath("python3"); err == nil {
		candidates = append(candidates, sysPython)
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if matchesVersion(ctx, c, pythonVersion) {
			return c, nil
		}
	}

	return "", fmt.Errorf("no interpreter found satisfying python_version prefix %q", pythonVersion)
}

func matchesVersion(ctx context.Context, path, prefix string) bool {
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return false
	}
	version := strings.TrimPrefix(strings.TrimSpace(string(out)), "Python ")
	return strings.HasPrefix(version, prefix)
}

// Resolver resolves RuntimeSpecs to cached RuntimeHandles, guaranteeing at
// most one concurrent build per runtime_hash.
type Resolver struct {
	venvsDir       string
	packageManager string // uv, pip
	buildTimeout   time.Duration
	locator        *InterpreterLocator
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver rooted at venvsDir.
func New(venvsDir, packageManager string, localInterpreters []string, buildTimeout time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		venvsDir:       venvsDir,
		packageManager: packageManager,
		buildTimeout:   buildTimeout,
		locator:        &InterpreterLocator{LocalInterpreters: localInterpreters},
		logger:         slog.Default(),
		locks:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hash computes the runtime_hash: SHA-256 over the canonical serialization
// of {python_version, sorted(requirements), constraints}. env_vars never
// participate (spec.md §3 invariant).
func Hash(spec domain.RuntimeSpec) string {
	reqs := append([]string(nil), spec.Requirements...)
	sort.Strings(reqs)

	h := sha256.New()
	fmt.Fprintf(h, "python_version=%s\n", spec.PythonVersion)
	fmt.Fprintf(h, "requirements=%s\n", strings.Join(reqs, ","))
	fmt.Fprintf(h, "constraints=%s\n", strings.Join(spec.Constraints, ","))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Resolver) hashDir(hash string) string  { return filepath.Join(r.venvsDir, hash) }
func (r *Resolver) partialDir(hash string) string { return filepath.Join(r.venvsDir, hash+".partial") }

func (r *Resolver) perHashLock(hash string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		r.locks[hash] = l
	}
	return l
}

// readManifest returns the cached handle if dir contains a valid manifest.
func (r *Resolver) readManifest(dir string) (*domain.RuntimeHandle, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, false
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &domain.RuntimeHandle{
		Path:             dir,
		RuntimeHash:      m.RuntimeHash,
		PythonExecutable: m.PythonExecutable,
	}, true
}

// Resolve implements the algorithm in spec.md §4.1: cache check, per-hash
// lock, double-check, interpreter selection, venv build, atomic publish.
func (r *Resolver) Resolve(ctx context.Context, spec domain.RuntimeSpec) (*domain.RuntimeHandle, error) {
	ctx, span := telemetry.StartSpan(ctx, "runtime.Resolve")
	defer span.End()

	for _, req := range spec.Requirements {
		if err := ValidatePackageName(req); err != nil {
			wrapped := apperror.NewWithField(apperror.CodeInvalidArgument, "invalid requirement", req).WithDetails("cause", err.Error())
			telemetry.SetError(ctx, wrapped)
			return nil, wrapped
		}
	}

	hash := Hash(spec)

	start := time.Now()
	if handle, ok := r.readManifest(r.hashDir(hash)); ok {
		r.recordResolution(true, time.Since(start))
		telemetry.SetAttributes(ctx, telemetry.RuntimeAttributes(handle.PythonExecutable, handle.RuntimeHash, true)...)
		return handle, nil
	}

	lock := r.perHashLock(hash)
	lock.Lock()
	defer lock.Unlock()

	if handle, ok := r.readManifest(r.hashDir(hash)); ok {
		r.recordResolution(true, time.Since(start))
		telemetry.SetAttributes(ctx, telemetry.RuntimeAttributes(handle.PythonExecutable, handle.RuntimeHash, true)...)
		return handle, nil
	}

	handle, err := r.build(ctx, spec, hash)
	r.recordResolution(false, time.Since(start))
	if err != nil {
		wrapped := apperror.Wrap(err, apperror.CodeRuntimeBuildFailure, "build runtime")
		telemetry.SetError(ctx, wrapped)
		return nil, wrapped
	}
	telemetry.SetAttributes(ctx, telemetry.RuntimeAttributes(handle.PythonExecutable, handle.RuntimeHash, false)...)
	return handle, nil
}

func (r *Resolver) recordResolution(cacheHit bool, d time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordRuntimeResolution(cacheHit, d)
	}
}

func (r *Resolver) build(ctx context.Context, spec domain.RuntimeSpec, hash string) (*domain.RuntimeHandle, error) {
	buildCtx, cancel := context.WithTimeout(ctx, r.buildTimeout)
	defer cancel()

	partial := r.partialDir(hash)
	final := r.hashDir(hash)

	if err := os.RemoveAll(partial); err != nil {
		return nil, fmt.Errorf("clear stale partial dir: %w", err)
	}

	cleanup := func() { _ = os.RemoveAll(partial) }

	interpreter, err := r.locator.Locate(buildCtx, spec.PythonVersion)
	if err != nil {
		return nil, fmt.Errorf("locate interpreter: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		cleanup()
		return nil, fmt.Errorf("create venvs dir: %w", err)
	}

	if err := exec.CommandContext(buildCtx, interpreter, "-m", "venv", partial).Run(); err != nil {
		cleanup()
		return nil, fmt.Errorf("create venv: %w", err)
	}

	pythonExe := filepath.Join(partial, venvBinDir(), venvPythonName())

	if len(spec.Requirements) > 0 {
		if err := r.installPackages(buildCtx, pythonExe, spec); err != nil {
			cleanup()
			return nil, fmt.Errorf("install packages: %w", err)
		}
	}

	manifest := Manifest{
		RuntimeHash:      hash,
		PythonVersion:    spec.PythonVersion,
		Requirements:     spec.Requirements,
		Constraints:      spec.Constraints,
		PythonExecutable: filepath.Join(final, venvBinDir(), venvPythonName()),
		BuiltAt:          time.Now(),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(partial, "manifest.json"), data, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := os.Rename(partial, final); err != nil {
		cleanup()
		return nil, fmt.Errorf("publish venv: %w", err)
	}

	r.logger.Info("runtime resolved", "runtime_hash", hash, "python_version", spec.PythonVersion)

	return &domain.RuntimeHandle{
		Path:             final,
		RuntimeHash:      hash,
		PythonExecutable: manifest.PythonExecutable,
	}, nil
}

func (r *Resolver) installPackages(ctx context.Context, pythonExe string, spec domain.RuntimeSpec) error {
	args := []string{"-m", "pip", "install", "--no-input"}
	if r.packageManager == "uv" {
		if uvPath, err := exec.LookPath("uv"); err == nil {
			uvArgs := []string{"pip", "install", "--python", pythonExe}
			for _, c := range spec.Constraints {
				uvArgs = append(uvArgs, "--constraint", c)
			}
			uvArgs = append(uvArgs, spec.Requirements...)
			return exec.CommandContext(ctx, uvPath, uvArgs...).Run()
		}
	}

	for _, c := range spec.Constraints {
		args = append(args, "--constraint", c)
	}
	args = append(args, spec.Requirements...)
	return exec.CommandContext(ctx, pythonExe, args...).Run()
}

func venvBinDir() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

func venvPythonName() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python"
}

// ErrNotBuilt reports that a runtime has not been built yet. Nothing in
// this module currently returns it.
var ErrNotBuilt = errors.New("runtime not built")
