package alerts

import (
	"strconv"
	"strings"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// evalCondition evaluates a rule condition string against an update.
//
// Supported expressions (field operator value):
//
//	co2_grams > 0.5
//	weight_bytes >= 2000000
//	resources > 150
//	state == detailed
//	phase == refined
//
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, u types.Update) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	switch field {
	case "state":
		return compareString(u.State.String(), op, rhs), float64(u.State)
	case "phase":
		return compareString(string(u.Phase), op, rhs), 0
	}

	v, ok := numericField(field, u)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

func numericField(field string, u types.Update) (float64, bool) {
	switch field {
	case "co2_grams":
		return u.Estimate.CO2Grams, true
	case "weight_bytes":
		return float64(u.Estimate.WeightBytes), true
	case "resources":
		return float64(u.Resources), true
	default:
		return 0, false
	}
}

func compareString(v, op, want string) bool {
	switch op {
	case "==":
		return v == want
	case "!=":
		return v != want
	default:
		return false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}

// ValidCondition reports whether cond parses into a known field, operator and
// value.
func ValidCondition(cond string) bool {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false
	}
	field, op, rhs := parts[0], parts[1], parts[2]
	switch field {
	case "state", "phase":
		return op == "==" || op == "!="
	}
	if _, ok := numericField(field, types.Update{}); !ok {
		return false
	}
	switch op {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return false
	}
	_, err := strconv.ParseFloat(rhs, 64)
	return err == nil
}
