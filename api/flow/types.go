// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package flow holds the wire-level data types shared by every component of
// the interceptor: the captured-flow model, the filter/rule model, and the
// sync-message envelope that carries control-plane updates into the proxy
// worker. These types are intentionally dependency-free so that both the
// codec and the in-process consumers (cache, evaluator, interceptor) can
// import them without pulling in encoding details.
package flow

import "fmt"

// Operator is one of the recognized filter comparison operators. The integer
// values are part of the wire contract (spec §6) and must never be
// renumbered.
type Operator uint8

const (
	OperatorContains Operator = iota
	OperatorEquals
	OperatorStartsWith
	OperatorEndsWith
	OperatorRegex
)

func (o Operator) String() string {
	switch o {
	case OperatorContains:
		return "CONTAINS"
	case OperatorEquals:
		return "EQUALS"
	case OperatorStartsWith:
		return "STARTS_WITH"
	case OperatorEndsWith:
		return "ENDS_WITH"
	case OperatorRegex:
		return "REGEX"
	default:
		return fmt.Sprintf("Operator(%d)", uint8(o))
	}
}

// ValidOperator reports whether o is a recognized operator value.
func ValidOperator(o Operator) bool {
	return o <= OperatorRegex
}

// RuleAction is one of the recognized rule actions. Integer values are part
// of the wire contract (spec §6).
type RuleAction uint8

const (
	ActionAddHeader RuleAction = iota
	ActionModifyHeader
	ActionDeleteHeader
	ActionModifyBody
	ActionBlockRequest
	ActionAutoRespond
)

func (a RuleAction) String() string {
	switch a {
	case ActionAddHeader:
		return "ADD_HEADER"
	case ActionModifyHeader:
		return "MODIFY_HEADER"
	case ActionDeleteHeader:
		return "DELETE_HEADER"
	case ActionModifyBody:
		return "MODIFY_BODY"
	case ActionBlockRequest:
		return "BLOCK_REQUEST"
	case ActionAutoRespond:
		return "AUTO_RESPOND"
	default:
		return fmt.Sprintf("RuleAction(%d)", uint8(a))
	}
}

// ValidRuleAction reports whether a is a recognized action value.
func ValidRuleAction(a RuleAction) bool {
	return a <= ActionAutoRespond
}

// HasResponsePhaseEffect reports whether the action has a defined effect when
// applied in the response phase (spec §4.2 table). BLOCK_REQUEST and
// AUTO_RESPOND are request-phase-only short-circuits.
func (a RuleAction) HasResponsePhaseEffect() bool {
	switch a {
	case ActionAddHeader, ActionModifyHeader, ActionDeleteHeader, ActionModifyBody:
		return true
	default:
		return false
	}
}

// OperationType is a SyncMessage operation kind. Integer values are part of
// the wire contract (spec §6).
type OperationType uint8

const (
	OpFullSync OperationType = iota
	OpAdd
	OpUpdate
	OpDelete
)

func (o OperationType) String() string {
	switch o {
	case OpFullSync:
		return "FULL_SYNC"
	case OpAdd:
		return "ADD"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("OperationType(%d)", uint8(o))
	}
}

// FilterModel is a predicate over one field of a request (spec §3).
//
// ID is a durable-store primary key; zero means "unset / not yet persisted"
// both in memory and on the wire (spec §4.1 "Default handling").
type FilterModel struct {
	ID         int64
	FilterName string
	Field      string // "url" | "method" | "body" | "header:<Name>"
	Operator   Operator
	Value      string
}

// RuleModel is an action guarded by a filter (spec §3).
type RuleModel struct {
	ID          int64
	RuleName    string
	FilterID    int64
	Action      RuleAction
	TargetKey   string
	TargetValue string
	Enabled     bool
}

// FlowData is a captured HTTP exchange (spec §3).
//
// StartTimestamp/EndTimestamp are seconds since the Unix epoch as a float;
// EndTimestamp is 0 while no response has been observed yet.
type FlowData struct {
	ID              string
	Method          string
	URL             string
	Status          int32
	StartTimestamp  float64
	EndTimestamp    float64
	RequestSize     int64
	ResponseSize    int64
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	RequestBody     string
	ResponseBody    string
	IsIntercepted   bool
}

// SyncMessage is a control-plane update for the in-process rule cache (spec §3).
type SyncMessage struct {
	Operation   OperationType
	RulesList   []RuleModel
	FiltersData []FilterModel
	Timestamp   float64
}

// ServerEvent announces worker lifecycle transitions (spec §4.6, §6).
type ServerEvent struct {
	Status string // "started" | "stopped"
	Port   int32
}

// DataType discriminates which payload an Envelope carries. Values are part
// of the wire contract (spec §6: "message type tag space per envelope").
type DataType uint8

const (
	DataTypeServerEvent DataType = iota
	DataTypeFlowData
	DataTypeFilterModel
	DataTypeRuleModel
	DataTypeSyncMessage
)

// Envelope is the discriminated union carried over every control-plane and
// data-plane binary frame (spec §3, §6).
type Envelope struct {
	Type        string // human-readable tag, mirrors DataType; kept for forward debugging per spec §3
	DataType    DataType
	ServerEvent *ServerEvent
	FlowData    *FlowData
	Filter      *FilterModel
	Rule        *RuleModel
	Sync        *SyncMessage
}
