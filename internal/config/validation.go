package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors aggregates multiple ValidationError values.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	messages := make([]string, len(e))
	for i, err := range e {
		messages[i] = err.Error()
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// ValidateExtended performs the semantic checks beyond Validate: connection
// graph references, address syntax, and layer names. Callers that want to
// fail fast on malformed topology (rather than discover it lazily at
// registry/topology build time) should call this after Load.
func (c *Config) ValidateExtended() error {
	var errs ValidationErrors

	ids := make(map[string]bool, len(c.Neurons))
	for _, n := range c.Neurons {
		ids[n.ID] = true
	}

	validLayers := map[string]bool{
		"reflexive": true, "implementation": true, "operational": true,
		"tactical": true, "strategic": true,
	}

	for _, n := range c.Neurons {
		if n.Layer != "" && !validLayers[strings.ToLower(n.Layer)] {
			errs = append(errs, ValidationError{
				Field: fmt.Sprintf("neurons[%s].layer", n.ID), Value: n.Layer,
				Message: "unknown layer tag",
			})
		}
		for _, fwd := range n.ForwardConnections {
			if !ids[fwd] && !c.Distributed.Enabled {
				errs = append(errs, ValidationError{
					Field: fmt.Sprintf("neurons[%s].forward_connections", n.ID), Value: fwd,
					Message: "references an id not present in this server's neuron roster and distributed.enabled is false, so it can never resolve",
				})
			}
		}
	}

	if c.Network.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.Network.ListenAddr); err != nil {
			errs = append(errs, ValidationError{
				Field: "network.listen_addr", Value: c.Network.ListenAddr,
				Message: err.Error(),
			})
		}
	}

	for _, peer := range c.Network.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			errs = append(errs, ValidationError{
				Field: "network.peers", Value: peer,
				Message: err.Error(),
			})
		}
	}

	if c.Cognition.Mode != "mock" && c.Cognition.Mode != "live" {
		errs = append(errs, ValidationError{
			Field: "cognition.mode", Value: c.Cognition.Mode,
			Message: "must be \"mock\" or \"live\"",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
