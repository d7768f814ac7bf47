package ports

// OperationKind identifies the submission routing for an operation.
type OperationKind string

const (
	OpUserInput           OperationKind = "user_input"
	OpUserTurn            OperationKind = "user_turn"
	OpInterrupt           OperationKind = "interrupt"
	OpShutdown            OperationKind = "shutdown"
	OpExecApproval        OperationKind = "exec_approval"
	OpPatchApproval       OperationKind = "patch_approval"
	OpAddToHistory        OperationKind = "add_to_history"
	OpGetPath             OperationKind = "get_path"
	OpOverrideTurnContext OperationKind = "override_turn_context"
)

// Operation is the typed submission contract. The set of implementations is
// closed; the core switches exhaustively on the concrete type.
type Operation interface {
	Kind() OperationKind
}

// UserInputOp carries user text. While a task is running it is queued as
// pending input for the next turn; otherwise it starts a new task.
type UserInputOp struct {
	Items []InputItem
}

func (UserInputOp) Kind() OperationKind { return OpUserInput }

// UserTurnOp starts a task with an explicit turn-context override applied
// before the first turn.
type UserTurnOp struct {
	Items    []InputItem
	Override TurnContextOverride
}

func (UserTurnOp) Kind() OperationKind { return OpUserTurn }

// InterruptOp clears the pending submission queue and aborts the current task.
type InterruptOp struct{}

func (InterruptOp) Kind() OperationKind { return OpInterrupt }

// ShutdownOp drains both queues and ends the conversation.
type ShutdownOp struct{}

func (ShutdownOp) Kind() OperationKind { return OpShutdown }

// ExecApprovalOp resolves a pending command approval.
type ExecApprovalOp struct {
	ApprovalID string
	Response   ApprovalResponse
}

func (ExecApprovalOp) Kind() OperationKind { return OpExecApproval }

// PatchApprovalOp resolves a pending patch approval.
type PatchApprovalOp struct {
	ApprovalID string
	Response   ApprovalResponse
}

func (PatchApprovalOp) Kind() OperationKind { return OpPatchApproval }

// AddToHistoryOp appends items to the conversation without running a turn.
type AddToHistoryOp struct {
	Items []ResponseItem
}

func (AddToHistoryOp) Kind() OperationKind { return OpAddToHistory }

// GetPathOp asks the core to report the session working directory.
type GetPathOp struct{}

func (GetPathOp) Kind() OperationKind { return OpGetPath }

// OverrideTurnContextOp mutates the session turn context for subsequent turns.
type OverrideTurnContextOp struct {
	Override TurnContextOverride
}

func (OverrideTurnContextOp) Kind() OperationKind { return OpOverrideTurnContext }

// Submission pairs an operation with the identifier events are correlated by.
// Submissions are created by the caller and consumed exactly once.
type Submission struct {
	ID string
	Op Operation
}
