package factory

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// MeshWorkerInfo describes one launchable worker kind.
type MeshWorkerInfo struct {
	Type          proto.MeshIOType
	ExecutionPath string
	Arguments     []string

	// Descriptor is the file the entry was read from
	Descriptor string
}

// descriptorFile is the on-disk form. JSON descriptors parse as YAML.
type descriptorFile struct {
	InputType      string   `yaml:"InputType"`
	OutputType     string   `yaml:"OutputType"`
	ExecutableName string   `yaml:"ExecutableName"`
	Arguments      []string `yaml:"Arguments"`
}

// ParseDescriptor reads a worker descriptor. Mesh types may be given by name
// or number. A relative executable is resolved against the descriptor's
// directory first, then PATH.
func ParseDescriptor(path string) (MeshWorkerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MeshWorkerInfo{}, err
	}

	var d descriptorFile
	if err := yaml.Unmarshal(data, &d); err != nil {
		return MeshWorkerInfo{}, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, path, err)
	}

	in, err := proto.ParseMeshType(d.InputType)
	if err != nil {
		return MeshWorkerInfo{}, fmt.Errorf("%w: %s: input type: %v", ErrInvalidDescriptor, path, err)
	}
	out, err := proto.ParseMeshType(d.OutputType)
	if err != nil {
		return MeshWorkerInfo{}, fmt.Errorf("%w: %s: output type: %v", ErrInvalidDescriptor, path, err)
	}
	t := proto.NewMeshIOType(in, out)
	if !t.Valid() {
		return MeshWorkerInfo{}, fmt.Errorf("%w: %s: %s is not a valid mesh conversion", ErrInvalidDescriptor, path, t)
	}

	name := strings.TrimSpace(d.ExecutableName)
	if name == "" {
		return MeshWorkerInfo{}, fmt.Errorf("%w: %s: missing ExecutableName", ErrInvalidDescriptor, path)
	}

	return MeshWorkerInfo{
		Type:          t,
		ExecutionPath: resolveExecutable(filepath.Dir(path), name),
		Arguments:     d.Arguments,
		Descriptor:    path,
	}, nil
}

func resolveExecutable(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	local := filepath.Join(dir, name)
	if _, err := os.Stat(local); err == nil || strings.ContainsRune(name, filepath.Separator) {
		return local
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return local
}
