// Package proto defines the wire vocabulary shared by clients, the broker and
// workers: the capability key used for matching, service and status tags, the
// job records, and the envelope that carries them.
//
// Every textual form in this package is length-prefixed for its trailing
// payload so arbitrary bytes (including newlines and NULs) survive a round trip:
//
//	envelope:    "<service> <in> <out>\n<len>\n<payload>"
//	job request: "<in> <out>\n<len>\n<payload>"
package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// MeshType identifies one side of a capability key.
type MeshType uint32

const (
	MeshUnknown MeshType = iota
	MeshEdges
	Mesh2D
	Mesh3D
	Mesh3DSurface
	MeshSceneFile
	MeshModel
	MeshPiecewiseLinearComplex
)

var meshTypeNames = map[MeshType]string{
	MeshUnknown:                "Unknown",
	MeshEdges:                  "Edges",
	Mesh2D:                     "Mesh2D",
	Mesh3D:                     "Mesh3D",
	Mesh3DSurface:              "Mesh3DSurface",
	MeshSceneFile:              "SceneFile",
	MeshModel:                  "Model",
	MeshPiecewiseLinearComplex: "PiecewiseLinearComplex",
}

func (m MeshType) String() string {
	if name, ok := meshTypeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MeshType(%d)", uint32(m))
}

// ParseMeshType accepts either a type name (case-insensitive) or its number.
func ParseMeshType(s string) (MeshType, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return MeshType(n), nil
	}
	for t, name := range meshTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return MeshUnknown, fmt.Errorf("%w: %q", ErrUnknownMeshType, s)
}

// MeshIOType is the (input, output) pair used as the capability key between
// job requests and workers. It is a plain value; compare with ==.
type MeshIOType struct {
	Input  MeshType
	Output MeshType
}

// NewMeshIOType builds a capability key.
func NewMeshIOType(in, out MeshType) MeshIOType {
	return MeshIOType{Input: in, Output: out}
}

// Valid reports whether both sides are known types.
func (t MeshIOType) Valid() bool {
	return t.Input != MeshUnknown && t.Output != MeshUnknown
}

// MarshalText writes the whitespace separated "<in> <out>" form.
func (t MeshIOType) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(t.Input), 10) + " " + strconv.FormatUint(uint64(t.Output), 10)), nil
}

func (t MeshIOType) String() string {
	return t.Input.String() + "->" + t.Output.String()
}

// ParseMeshIOType parses the "<in> <out>" form.
func ParseMeshIOType(s string) (MeshIOType, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return MeshIOType{}, fmt.Errorf("%w: capability key %q", ErrMalformedMessage, s)
	}
	in, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return MeshIOType{}, fmt.Errorf("%w: input type %q", ErrMalformedMessage, fields[0])
	}
	out, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return MeshIOType{}, fmt.Errorf("%w: output type %q", ErrMalformedMessage, fields[1])
	}
	return MeshIOType{Input: MeshType(in), Output: MeshType(out)}, nil
}

// ServiceType tags every envelope.
type ServiceType uint32

const (
	InvalidService ServiceType = iota
	MakeMesh
	MeshStatus
	CanMesh
	RetrieveMesh
	Heartbeat
	Shutdown
	TerminateJob
	TerminateWorker
	TerminateJobAndWorker
)

var serviceNames = [...]string{
	InvalidService:        "INVALID_SERVICE",
	MakeMesh:              "MAKE_MESH",
	MeshStatus:            "MESH_STATUS",
	CanMesh:               "CAN_MESH",
	RetrieveMesh:          "RETRIEVE_MESH",
	Heartbeat:             "HEARTBEAT",
	Shutdown:              "SHUTDOWN",
	TerminateJob:          "TERMINATE_JOB",
	TerminateWorker:       "TERMINATE_WORKER",
	TerminateJobAndWorker: "TERMINATE_JOB_AND_WORKER",
}

// Valid reports whether s is a recognized, non-invalid tag.
func (s ServiceType) Valid() bool {
	return s > InvalidService && s <= TerminateJobAndWorker
}

func (s ServiceType) String() string {
	if int(s) < len(serviceNames) {
		return serviceNames[s]
	}
	return fmt.Sprintf("SERVICE(%d)", uint32(s))
}

// StatusType is the state of a job as reported by a worker or tracked by the broker.
type StatusType uint32

const (
	StatusInvalid StatusType = iota
	StatusInProgress
	StatusFinished
	StatusFailed
	StatusQueued
	StatusExpired
)

var statusNames = [...]string{
	StatusInvalid:    "INVALID",
	StatusInProgress: "IN_PROGRESS",
	StatusFinished:   "FINISHED",
	StatusFailed:     "FAILED",
	StatusQueued:     "QUEUED",
	StatusExpired:    "EXPIRED",
}

func (s StatusType) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint32(s))
}

// Terminal reports whether no further status updates are expected.
func (s StatusType) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusExpired
}
