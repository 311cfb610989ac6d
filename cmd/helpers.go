// cmd/helpers.go
package cmd

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

// parseIOType builds a capability key from --input/--output flag values
func parseIOType(in, out string) (proto.MeshIOType, error) {
	i, err := proto.ParseMeshType(in)
	if err != nil {
		return proto.MeshIOType{}, fmt.Errorf("input type: %w", err)
	}
	o, err := proto.ParseMeshType(out)
	if err != nil {
		return proto.MeshIOType{}, fmt.Errorf("output type: %w", err)
	}
	t := proto.NewMeshIOType(i, o)
	if !t.Valid() {
		return proto.MeshIOType{}, fmt.Errorf("invalid capability %s", t)
	}
	return t, nil
}

// statusColor picks the color used to print a job status
func statusColor(s proto.StatusType) *color.Color {
	switch s {
	case proto.StatusFinished:
		return goodColor
	case proto.StatusFailed, proto.StatusExpired, proto.StatusInvalid:
		return badColor
	default:
		return warnColor
	}
}
