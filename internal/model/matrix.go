package model

// ImplicitClassification is the tier two-dimensional profiles are evaluated
// against. Its matrix row is the 2-D default autonomy table.
const ImplicitClassification = Internal

// governanceMatrix is the framework baseline. Every row and every column is
// non-decreasing in restrictiveness.
var governanceMatrix = map[DataClassification]map[Operation]AutonomyLevel{
	Public: {
		Read:   Autonomous,
		Move:   Logged,
		Add:    Notification,
		Change: Notification,
		Delete: Approval,
	},
	Internal: {
		Read:   Logged,
		Move:   Notification,
		Add:    Approval,
		Change: Approval,
		Delete: ElevatedApproval,
	},
	Confidential: {
		Read:   Logged,
		Move:   Approval,
		Add:    ElevatedApproval,
		Change: ElevatedApproval,
		Delete: Prohibited,
	},
	Restricted: {
		Read:   Approval,
		Move:   ElevatedApproval,
		Add:    Prohibited,
		Change: Prohibited,
		Delete: Prohibited,
	},
}

// MatrixDefault returns the baseline autonomy level for a cell.
// Unknown inputs resolve to Prohibited (fail closed).
func MatrixDefault(op Operation, class DataClassification) AutonomyLevel {
	row, ok := governanceMatrix[class]
	if !ok {
		return Prohibited
	}
	level, ok := row[op]
	if !ok {
		return Prohibited
	}
	return level
}

// Matrix returns a copy of the full governance matrix.
func Matrix() map[DataClassification]map[Operation]AutonomyLevel {
	out := make(map[DataClassification]map[Operation]AutonomyLevel, len(governanceMatrix))
	for class, row := range governanceMatrix {
		r := make(map[Operation]AutonomyLevel, len(row))
		for op, level := range row {
			r[op] = level
		}
		out[class] = r
	}
	return out
}
