package ingestion

import (
	"encoding/json"
	"fmt"

	"RedeemLedger/internal/core"

	"github.com/google/uuid"
)

// Command kinds carried on the wire. Each kind has its own NATS subject.
const (
	KindSubmit       = "Submit"
	KindCancel       = "Cancel"
	KindRollover     = "Rollover"
	KindCloseEpoch   = "CloseEpoch"
	KindProcessEpoch = "ProcessEpoch"
	KindClaim        = "Claim"
	KindClaimBatch   = "ClaimBatch"
	KindSetQueueMode = "SetQueueMode"
)

// Command is a validated, typed queue command ready to apply to the engine.
type Command interface {
	CommandID() string
	Kind() string
}

type SubmitCommand struct {
	ID     string
	User   uuid.UUID
	Shares uint64
}

func (c *SubmitCommand) CommandID() string { return c.ID }
func (c *SubmitCommand) Kind() string      { return KindSubmit }

type CancelCommand struct {
	ID      string
	Caller  core.Caller
	User    uuid.UUID
	EpochID uint64
}

func (c *CancelCommand) CommandID() string { return c.ID }
func (c *CancelCommand) Kind() string      { return KindCancel }

type RolloverCommand struct {
	ID   string
	User uuid.UUID
}

func (c *RolloverCommand) CommandID() string { return c.ID }
func (c *RolloverCommand) Kind() string      { return KindRollover }

type CloseEpochCommand struct {
	ID       string
	Operator uuid.UUID
}

func (c *CloseEpochCommand) CommandID() string { return c.ID }
func (c *CloseEpochCommand) Kind() string      { return KindCloseEpoch }

type ProcessEpochCommand struct {
	ID       string
	Operator uuid.UUID
	EpochID  uint64
}

func (c *ProcessEpochCommand) CommandID() string { return c.ID }
func (c *ProcessEpochCommand) Kind() string      { return KindProcessEpoch }

type ClaimCommand struct {
	ID       string
	User     uuid.UUID
	Receiver uuid.UUID
	EpochIDs []uint64
}

func (c *ClaimCommand) CommandID() string { return c.ID }
func (c *ClaimCommand) Kind() string      { return KindClaim }

type ClaimBatchCommand struct {
	ID       string
	Operator uuid.UUID
	EpochID  uint64
	Users    []uuid.UUID
}

func (c *ClaimBatchCommand) CommandID() string { return c.ID }
func (c *ClaimBatchCommand) Kind() string      { return KindClaimBatch }

type SetQueueModeCommand struct {
	ID       string
	Operator uuid.UUID
	Active   bool
}

func (c *SetQueueModeCommand) CommandID() string { return c.ID }
func (c *SetQueueModeCommand) Kind() string      { return KindSetQueueMode }

// ParseCommand converts a RawCommand (JSON bytes + command kind) into a
// typed Command. The ingestion shell validates and parses before anything
// reaches the engine.
func ParseCommand(raw RawCommand) (Command, error) {
	switch raw.Kind {
	case KindSubmit:
		return parseSubmit(raw.Data)
	case KindCancel:
		return parseCancel(raw.Data)
	case KindRollover:
		return parseRollover(raw.Data)
	case KindCloseEpoch:
		return parseCloseEpoch(raw.Data)
	case KindProcessEpoch:
		return parseProcessEpoch(raw.Data)
	case KindClaim:
		return parseClaim(raw.Data)
	case KindClaimBatch:
		return parseClaimBatch(raw.Data)
	case KindSetQueueMode:
		return parseSetQueueMode(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command kind: %s", raw.Kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Every command
// carries a command_id used for redelivery deduplication.

type submitJSON struct {
	CommandID string `json:"command_id"`
	UserID    string `json:"user_id"`
	Shares    uint64 `json:"shares"`
}

func parseSubmit(data []byte) (*SubmitCommand, error) {
	var j submitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Submit: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse Submit: missing command_id")
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &SubmitCommand{
		ID:     j.CommandID,
		User:   user,
		Shares: j.Shares,
	}, nil
}

type cancelJSON struct {
	CommandID  string `json:"command_id"`
	CallerID   string `json:"caller_id"`
	CallerRole string `json:"caller_role"`
	UserID     string `json:"user_id"`
	EpochID    uint64 `json:"epoch_id"`
}

func parseCancel(data []byte) (*CancelCommand, error) {
	var j cancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Cancel: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse Cancel: missing command_id")
	}
	caller, err := parseCaller(j.CallerID, j.CallerRole)
	if err != nil {
		return nil, err
	}

	// user_id defaults to the caller cancelling their own request
	user := caller.ID
	if j.UserID != "" {
		user, err = uuid.Parse(j.UserID)
		if err != nil {
			return nil, fmt.Errorf("parse user_id: %w", err)
		}
	}

	return &CancelCommand{
		ID:      j.CommandID,
		Caller:  caller,
		User:    user,
		EpochID: j.EpochID,
	}, nil
}

type rolloverJSON struct {
	CommandID string `json:"command_id"`
	UserID    string `json:"user_id"`
}

func parseRollover(data []byte) (*RolloverCommand, error) {
	var j rolloverJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Rollover: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse Rollover: missing command_id")
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &RolloverCommand{
		ID:   j.CommandID,
		User: user,
	}, nil
}

type epochAdminJSON struct {
	CommandID  string `json:"command_id"`
	OperatorID string `json:"operator_id"`
	EpochID    uint64 `json:"epoch_id"`
}

func parseCloseEpoch(data []byte) (*CloseEpochCommand, error) {
	var j epochAdminJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CloseEpoch: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse CloseEpoch: missing command_id")
	}
	operator, err := uuid.Parse(j.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("parse operator_id: %w", err)
	}
	return &CloseEpochCommand{
		ID:       j.CommandID,
		Operator: operator,
	}, nil
}

func parseProcessEpoch(data []byte) (*ProcessEpochCommand, error) {
	var j epochAdminJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProcessEpoch: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse ProcessEpoch: missing command_id")
	}
	operator, err := uuid.Parse(j.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("parse operator_id: %w", err)
	}
	return &ProcessEpochCommand{
		ID:       j.CommandID,
		Operator: operator,
		EpochID:  j.EpochID,
	}, nil
}

type claimJSON struct {
	CommandID  string   `json:"command_id"`
	UserID     string   `json:"user_id"`
	ReceiverID string   `json:"receiver_id"`
	EpochIDs   []uint64 `json:"epoch_ids"`
}

func parseClaim(data []byte) (*ClaimCommand, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Claim: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse Claim: missing command_id")
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	receiver, err := uuid.Parse(j.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("parse receiver_id: %w", err)
	}
	return &ClaimCommand{
		ID:       j.CommandID,
		User:     user,
		Receiver: receiver,
		EpochIDs: j.EpochIDs,
	}, nil
}

type claimBatchJSON struct {
	CommandID  string   `json:"command_id"`
	OperatorID string   `json:"operator_id"`
	EpochID    uint64   `json:"epoch_id"`
	UserIDs    []string `json:"user_ids"`
}

func parseClaimBatch(data []byte) (*ClaimBatchCommand, error) {
	var j claimBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimBatch: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse ClaimBatch: missing command_id")
	}
	operator, err := uuid.Parse(j.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("parse operator_id: %w", err)
	}

	users := make([]uuid.UUID, 0, len(j.UserIDs))
	for _, id := range j.UserIDs {
		user, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse user_ids entry %q: %w", id, err)
		}
		users = append(users, user)
	}

	return &ClaimBatchCommand{
		ID:       j.CommandID,
		Operator: operator,
		EpochID:  j.EpochID,
		Users:    users,
	}, nil
}

type queueModeJSON struct {
	CommandID  string `json:"command_id"`
	OperatorID string `json:"operator_id"`
	Active     bool   `json:"active"`
}

func parseSetQueueMode(data []byte) (*SetQueueModeCommand, error) {
	var j queueModeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetQueueMode: %w", err)
	}
	if j.CommandID == "" {
		return nil, fmt.Errorf("parse SetQueueMode: missing command_id")
	}
	operator, err := uuid.Parse(j.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("parse operator_id: %w", err)
	}
	return &SetQueueModeCommand{
		ID:       j.CommandID,
		Operator: operator,
		Active:   j.Active,
	}, nil
}

func parseCaller(id, role string) (core.Caller, error) {
	callerID, err := uuid.Parse(id)
	if err != nil {
		return core.Caller{}, fmt.Errorf("parse caller_id: %w", err)
	}
	switch role {
	case "", "user":
		return core.Caller{ID: callerID, Role: core.RoleUser}, nil
	case "operator":
		return core.Caller{ID: callerID, Role: core.RoleOperator}, nil
	default:
		return core.Caller{}, fmt.Errorf("unknown caller_role: %s", role)
	}
}
