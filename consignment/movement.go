/*
movement.go - Movement Classifier (CFOP table)

PURPOSE:
  Maps a fiscal operation code to the movement it causes on a consigned
  balance. Pure and total over a fixed table: unknown codes are an explicit
  error, never a default.

TABLE:
  5917 / 6917  ConsignmentOutbound  +1  shipped to the client
  1918 / 2918  ConsignmentReturn    -1  unused stock returned
  1919 / 2919  SymbolicReturn       -1  reported as used, no physical return
  5114 / 6114  UsageBilling          0  invoicing of used material

SCOPE:
  First digit 5/1 is intrastate, 6/2 interstate. Both share the same
  movement kind; the scope is kept for audit logging only.
*/
package consignment

import (
	"sort"
	"strings"
)

// =============================================================================
// MOVEMENT KIND
// =============================================================================

type MovementKind string

const (
	ConsignmentOutbound MovementKind = "consignment_outbound"
	ConsignmentReturn   MovementKind = "consignment_return"
	SymbolicReturn      MovementKind = "symbolic_return"
	UsageBilling        MovementKind = "usage_billing"
)

// Sign is the balance direction of the kind.
func (k MovementKind) Sign() int {
	switch k {
	case ConsignmentOutbound:
		return 1
	case ConsignmentReturn, SymbolicReturn:
		return -1
	default:
		return 0
	}
}

func (k MovementKind) Valid() bool {
	switch k {
	case ConsignmentOutbound, ConsignmentReturn, SymbolicReturn, UsageBilling:
		return true
	}
	return false
}

type Scope string

const (
	Intrastate Scope = "intrastate"
	Interstate Scope = "interstate"
)

// Operation is a classified CFOP.
type Operation struct {
	Code  string
	Kind  MovementKind
	Sign  int
	Scope Scope
}

var cfopTable = map[string]Operation{
	"5917": {Code: "5917", Kind: ConsignmentOutbound, Sign: 1, Scope: Intrastate},
	"6917": {Code: "6917", Kind: ConsignmentOutbound, Sign: 1, Scope: Interstate},
	"1918": {Code: "1918", Kind: ConsignmentReturn, Sign: -1, Scope: Intrastate},
	"2918": {Code: "2918", Kind: ConsignmentReturn, Sign: -1, Scope: Interstate},
	"1919": {Code: "1919", Kind: SymbolicReturn, Sign: -1, Scope: Intrastate},
	"2919": {Code: "2919", Kind: SymbolicReturn, Sign: -1, Scope: Interstate},
	"5114": {Code: "5114", Kind: UsageBilling, Sign: 0, Scope: Intrastate},
	"6114": {Code: "6114", Kind: UsageBilling, Sign: 0, Scope: Interstate},
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Classify returns the movement kind and balance sign of a CFOP.
func Classify(code string) (MovementKind, int, error) {
	op, err := Describe(code)
	if err != nil {
		return "", 0, err
	}
	return op.Kind, op.Sign, nil
}

// Describe returns the full classification, including scope.
func Describe(code string) (Operation, error) {
	op, ok := cfopTable[strings.TrimSpace(code)]
	if !ok {
		return Operation{}, &UnrecognizedOperationError{Code: code}
	}
	return op, nil
}

// Codes lists the supported CFOPs in ascending order.
func Codes() []string {
	codes := make([]string, 0, len(cfopTable))
	for c := range cfopTable {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
