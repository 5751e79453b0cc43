package config

import (
	"errors"
	"fmt"
	"strings"
)

// Architecture selects one of the fixed convolutional topologies.
type Architecture int

const (
	// ArchStandard is the default: four conv blocks with batch normalization.
	ArchStandard Architecture = iota
	// ArchSimple is two plain conv blocks.
	ArchSimple
	// ArchResNet stacks residual blocks with identity/projection shortcuts.
	ArchResNet
	// ArchInception uses multi-branch modules concatenated on the channel axis.
	ArchInception
)

// DefaultArchitecture is used when no selector is given or the selector is unknown.
const DefaultArchitecture = ArchStandard

// ErrUnknownArchitecture is returned by ParseArchitecture for names outside the closed set.
var ErrUnknownArchitecture = errors.New("unknown architecture")

var architectureNames = map[Architecture]string{
	ArchStandard:  "standard",
	ArchSimple:    "simple",
	ArchResNet:    "resnet",
	ArchInception: "inception",
}

// Architectures lists every variant in a stable order.
func Architectures() []Architecture {
	return []Architecture{ArchSimple, ArchStandard, ArchResNet, ArchInception}
}

func (a Architecture) String() string {
	if name, ok := architectureNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// ParseArchitecture resolves a symbolic name. An empty name yields the default
// with no error; an unrecognized name yields the default together with
// ErrUnknownArchitecture so callers can decide whether to warn or abort.
func ParseArchitecture(name string) (Architecture, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "":
		return DefaultArchitecture, nil
	case "simple":
		return ArchSimple, nil
	case "standard":
		return ArchStandard, nil
	case "resnet", "resnet-style", "resnet_style":
		return ArchResNet, nil
	case "inception", "inception-style", "inception_style":
		return ArchInception, nil
	}
	return DefaultArchitecture, fmt.Errorf("%w: %q (using %s)", ErrUnknownArchitecture, name, DefaultArchitecture)
}

// MarshalText makes Architecture serialize by name (yaml, json).
func (a Architecture) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
