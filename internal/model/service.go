package model

import (
	"fmt"
	"strings"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
)

// MaxServiceNameLength bounds service names, which double as storage
// namespaces.
const MaxServiceNameLength = 128

// ValidateServiceName rejects names that are unusable as a storage namespace:
// empty or overlong names, names with path separators and names starting with
// a dot, which covers "..", "." and the local tier's .tmp directory.
func ValidateServiceName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("service name is required: %w", backuperr.ErrInvalidArgument)
	case len(name) > MaxServiceNameLength:
		return fmt.Errorf("service name longer than %d bytes: %w", MaxServiceNameLength, backuperr.ErrInvalidArgument)
	case strings.HasPrefix(name, "."), strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("invalid service name %q: %w", name, backuperr.ErrInvalidArgument)
	}
	return nil
}

// ServiceMetadata is the registry entry of a service that has sent backups.
type ServiceMetadata struct {
	Name                string `json:"name"`
	HealthcheckDisabled bool   `json:"healthcheckDisabled"`
}

func (s *ServiceMetadata) RowKey() string    { return s.Name }
func (s *ServiceMetadata) ColumnKey() string { return s.Name }

// NodeMetadata records where a node serves its API, so requests for entities
// it owns can be redirected to it.
type NodeMetadata struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (n *NodeMetadata) RowKey() string    { return n.Name }
func (n *NodeMetadata) ColumnKey() string { return n.Name }
