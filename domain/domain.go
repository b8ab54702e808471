// Package domain assembles the reducers of all business entity types.
package domain

import (
	"fmt"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/domain/invoice"
	"github.com/Iscgrou/roboinv/domain/representative"
	"github.com/Iscgrou/roboinv/domain/salespartner"
)

// ParseConvention maps a configuration value to a balance convention.
func ParseConvention(s string) (representative.Convention, error) {
	switch s {
	case "", "additive":
		return representative.Additive, nil
	case "receivable":
		return representative.Receivable, nil
	default:
		return 0, fmt.Errorf("unknown balance convention %q", s)
	}
}

// Reducers returns one reducer per entity type.
func Reducers(convention representative.Convention) []es.Reducer {
	return []es.Reducer{
		representative.NewReducer(representative.WithConvention(convention)),
		invoice.NewReducer(),
		salespartner.NewReducer(),
	}
}
