package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
)

func TestHash_ExcludesEnvVars(t *testing.T) {
	base := domain.RuntimeSpec{
		PythonVersion: "3.11",
		Requirements:  []string{"requests==2.31.0", "pyyaml"},
		Constraints:   []string{"urllib3<3"},
	}
	withEnv := base
	withEnv.EnvVars = map[string]string{"FOO": "bar"}

	require.Equal(t, Hash(base), Hash(withEnv))
}

func TestHash_OrderIndependentOverRequirements(t *testing.T) {
	a := domain.RuntimeSpec{PythonVersion: "3.11", Requirements: []string{"a", "b"}}
	b := domain.RuntimeSpec{PythonVersion: "3.11", Requirements: []string{"b", "a"}}
	require.Equal(t, Hash(a), Hash(b))
}

func TestHash_DiffersOnPythonVersion(t *testing.T) {
	a := domain.RuntimeSpec{PythonVersion: "3.10"}
	b := domain.RuntimeSpec{PythonVersion: "3.11"}
	require.NotEqual(t, Hash(a), Hash(b))
}

func TestValidatePackageName(t *testing.T) {
	require.NoError(t, ValidatePackageName("requests==2.31.0"))
	require.NoError(t, ValidatePackageName("pkg[extra]>=1.0,<2.0"))
	require.Error(t, ValidatePackageName("--upgrade"))
	require.Error(t, ValidatePackageName("-rrequirements.txt"))
	require.Error(t, ValidatePackageName("pkg; rm -rf /"))
}

func TestResolver_ResolveUsesCachedManifest(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "pip", nil, time.Minute)

	spec := domain.RuntimeSpec{PythonVersion: "3.11", Requirements: []string{"requests"}}
	hash := Hash(spec)

	hashDir := filepath.Join(dir, hash)
	require.NoError(t, os.MkdirAll(hashDir, 0o755))

	manifest := Manifest{
		RuntimeHash:      hash,
		PythonVersion:    spec.PythonVersion,
		Requirements:     spec.Requirements,
		PythonExecutable: filepath.Join(hashDir, "bin", "python"),
		BuiltAt:          time.Now(),
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(hashDir, "manifest.json"), data, 0o644))

	handle, err := r.Resolve(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, hash, handle.RuntimeHash)
	require.Equal(t, manifest.PythonExecutable, handle.PythonExecutable)
}

func TestResolver_ResolveRejectsInjectionLikeRequirement(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "pip", nil, time.Minute)

	spec := domain.RuntimeSpec{PythonVersion: "3.11", Requirements: []string{"--index-url=http://evil"}}
	_, err := r.Resolve(context.Background(), spec)
	require.Error(t, err)
}
