package nodes

import (
	"github.com/maxdp/dataplane/cmd/dataplane/flowerr"
)

// Node type constants. The strings are the wire format emitted by the
// flow designer and must stay stable.
const (
	// Sources
	TypeTableReader     = "table_reader"
	TypeCustomSQL       = "custom_sql"
	TypeFileInput       = "file_input"
	TypeAPIEndpoint     = "api_endpoint"
	TypeStaticData      = "static_data"
	TypeWebhookListener = "webhook_listener"

	// Transforms
	TypeSelectColumns       = "select_columns"
	TypeFilterRows          = "filter_rows"
	TypeSampleRows          = "sample_rows"
	TypeRenameColumns       = "rename_columns"
	TypeChangeDataType      = "change_data_type"
	TypeAddModifyColumn     = "add_modify_column"
	TypeSplitColumn         = "split_column"
	TypeMapValues           = "map_values"
	TypeHandleMissingValues = "handle_missing_values"
	TypeDeduplicate         = "deduplicate"
	TypeSortData            = "sort_data"
	TypePivotTable          = "pivot_table"
	TypeMelt                = "melt"
	TypeGroupAggregate      = "group_aggregate"
	TypeWindowFunctions     = "window_functions"
	TypeJoinMerge           = "join_merge"
	TypeUnionConcatenate    = "union_concatenate"
	TypeApplyFunction       = "apply_function"
	TypeRunScript           = "run_python_script"

	// Sinks
	TypeTableWriter      = "table_writer"
	TypeFileWriter       = "file_writer"
	TypeAPIRequest       = "api_request"
	TypeDisplayResults   = "display_results"
	TypeSendNotification = "send_notification"

	// Control
	TypeConditionalBranch = "conditional_branch"
	TypeTryCatch          = "try_catch"
	TypeMerge             = "merge"

	// Utility (never executed; seed global variables only)
	TypeTrigger        = "trigger"
	TypeFlowParameter  = "flow_parameter"
	TypeSetGetVariable = "set_get_variable"
	TypeComment        = "comment"
)

// Constructor builds a node instance from its designer config
type Constructor func(id string, cfg map[string]any) (Node, error)

var registry = map[string]Constructor{
	TypeTableReader:     newTableReader,
	TypeCustomSQL:       newCustomSQL,
	TypeFileInput:       newFileInput,
	TypeAPIEndpoint:     newAPIEndpoint,
	TypeStaticData:      newStaticData,
	TypeWebhookListener: newWebhookListener,

	TypeSelectColumns:       newSelectColumns,
	TypeFilterRows:          newFilterRows,
	TypeSampleRows:          newSampleRows,
	TypeRenameColumns:       newRenameColumns,
	TypeChangeDataType:      newChangeDataType,
	TypeAddModifyColumn:     newAddModifyColumn,
	TypeSplitColumn:         newSplitColumn,
	TypeMapValues:           newMapValues,
	TypeHandleMissingValues: newHandleMissingValues,
	TypeDeduplicate:         newDeduplicate,
	TypeSortData:            newSortData,
	TypePivotTable:          newPivotTable,
	TypeMelt:                newMelt,
	TypeGroupAggregate:      newGroupAggregate,
	TypeWindowFunctions:     newWindowFunctions,
	TypeJoinMerge:           newJoinMerge,
	TypeUnionConcatenate:    newUnionConcatenate,
	TypeApplyFunction:       newApplyFunction,
	TypeRunScript:           newRunScript,

	TypeTableWriter:      newTableWriter,
	TypeFileWriter:       newFileWriter,
	TypeAPIRequest:       newAPIRequest,
	TypeDisplayResults:   newDisplayResults,
	TypeSendNotification: newSendNotification,

	TypeConditionalBranch: newConditionalBranch,
	TypeTryCatch:          newTryCatch,
	TypeMerge:             newMerge,
}

var utilityTypes = map[string]bool{
	TypeTrigger:        true,
	TypeFlowParameter:  true,
	TypeSetGetVariable: true,
	TypeComment:        true,
}

// New instantiates a node by type string. Unknown types fail here, at
// flow construction, never during dispatch.
func New(id, nodeType string, cfg map[string]any) (Node, error) {
	ctor, ok := registry[nodeType]
	if !ok {
		return nil, &flowerr.UnknownNodeTypeError{NodeID: id, NodeType: nodeType}
	}
	node, err := ctor(id, cfg)
	if err != nil {
		return nil, flowerr.NewValidation("node %s (%s): %v", id, nodeType, err)
	}
	return node, nil
}

// IsRegistered reports whether the type string names an executable node
func IsRegistered(nodeType string) bool {
	_, ok := registry[nodeType]
	return ok
}

// IsUtility reports whether the type is a non-executing utility node
func IsUtility(nodeType string) bool {
	return utilityTypes[nodeType]
}

// IsKnown reports whether the type is executable or utility
func IsKnown(nodeType string) bool {
	return IsRegistered(nodeType) || IsUtility(nodeType)
}

// IsControl reports whether the type has control-flow semantics
func IsControl(nodeType string) bool {
	return nodeType == TypeConditionalBranch || nodeType == TypeTryCatch || nodeType == TypeMerge
}
