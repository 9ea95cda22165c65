// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package codec implements the binary message codec (spec §4.1): a
// length-prefixed, envelope-tagged wire format for FlowData, FilterModel,
// RuleModel, SyncMessage and ServerEvent.
//
// The wire format is built directly on protobuf's tag/varint/length-delimited
// primitives (google.golang.org/protobuf/encoding/protowire) rather than a
// bespoke bit layout: every field is a (number, wire-type) tag followed by
// its value, so a decoder that doesn't recognize a field number can skip it
// with protowire.ConsumeFieldValue without knowing its meaning. That gives us
// the spec's forward-compatible field addition and "unknown fields must be
// skippable" requirements for free, without running protoc over a .proto
// file that doesn't otherwise exist in this module.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/httpflow/interceptor/api/flow"
)

// Field numbers. These, like the enum integer values in package flow, are
// part of the wire contract and must never be renumbered — only appended to.
const (
	fEnvelopeDataType = 1
	fEnvelopePayload  = 2

	fServerEventStatus = 1
	fServerEventPort   = 2

	fFlowID              = 1
	fFlowMethod          = 2
	fFlowURL             = 3
	fFlowStatus          = 4
	fFlowStartTimestamp  = 5
	fFlowEndTimestamp    = 6
	fFlowRequestSize     = 7
	fFlowResponseSize    = 8
	fFlowRequestHeaders  = 9
	fFlowResponseHeaders = 10
	fFlowRequestBody     = 11
	fFlowResponseBody    = 12
	fFlowIsIntercepted   = 13

	fHeaderKey   = 1
	fHeaderValue = 2

	fFilterID     = 1
	fFilterName   = 2
	fFilterField  = 3
	fFilterOp     = 4
	fFilterValue  = 5

	fRuleID          = 1
	fRuleName        = 2
	fRuleFilterID    = 3
	fRuleAction      = 4
	fRuleTargetKey   = 5
	fRuleTargetValue = 6
	fRuleEnabled     = 7

	fSyncOperation = 1
	fSyncRules     = 2
	fSyncFilters   = 3
	fSyncTimestamp = 4
)

// MaxFrameSize bounds a single decoded frame so a corrupt or malicious length
// prefix can't make the decoder attempt to allocate unbounded memory.
const MaxFrameSize = 64 << 20 // 64 MiB

// EncodeEnvelope serializes env into a length-prefixed frame: a 4-byte
// big-endian length followed by the envelope payload. This is the unit
// written to the sync queue, the flow queue, and the observer channel.
func EncodeEnvelope(env *flow.Envelope) ([]byte, error) {
	payload, err := marshalEnvelope(env)
	if err != nil {
		return nil, err
	}
	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(payload)))
	copy(framed[4:], payload)
	return framed, nil
}

// DecodeEnvelope reads one length-prefixed frame from r and decodes it.
func DecodeEnvelope(r io.Reader) (*flow.Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("codec: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return unmarshalEnvelope(buf)
}

func marshalEnvelope(env *flow.Envelope) ([]byte, error) {
	var payload []byte
	var err error
	switch env.DataType {
	case flow.DataTypeServerEvent:
		payload = marshalServerEvent(env.ServerEvent)
	case flow.DataTypeFlowData:
		payload = marshalFlowData(env.FlowData)
	case flow.DataTypeFilterModel:
		payload = marshalFilter(env.Filter)
	case flow.DataTypeRuleModel:
		payload = marshalRule(env.Rule)
	case flow.DataTypeSyncMessage:
		payload, err = marshalSync(env.Sync)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("codec: unknown envelope data type %d", env.DataType)
	}

	var b []byte
	b = protowire.AppendTag(b, fEnvelopeDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.DataType))
	b = protowire.AppendTag(b, fEnvelopePayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

func unmarshalEnvelope(b []byte) (*flow.Envelope, error) {
	env := &flow.Envelope{}
	var payload []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fEnvelopeDataType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			env.DataType = flow.DataType(v)
			b = b[n:]
		case fEnvelopePayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	switch env.DataType {
	case flow.DataTypeServerEvent:
		env.Type = "ServerEvent"
		env.ServerEvent = unmarshalServerEvent(payload)
	case flow.DataTypeFlowData:
		env.Type = "FlowData"
		env.FlowData = unmarshalFlowData(payload)
	case flow.DataTypeFilterModel:
		env.Type = "FilterModel"
		env.Filter = unmarshalFilter(payload)
	case flow.DataTypeRuleModel:
		env.Type = "RuleModel"
		env.Rule = unmarshalRule(payload)
	case flow.DataTypeSyncMessage:
		env.Type = "SyncMessage"
		sync, err := unmarshalSync(payload)
		if err != nil {
			return nil, err
		}
		env.Sync = sync
	default:
		return nil, fmt.Errorf("codec: unknown envelope data type %d", env.DataType)
	}
	return env, nil
}

func marshalServerEvent(e *flow.ServerEvent) []byte {
	var b []byte
	if e == nil {
		return b
	}
	b = appendStringField(b, fServerEventStatus, e.Status)
	b = appendVarintField(b, fServerEventPort, uint64(e.Port))
	return b
}

func unmarshalServerEvent(b []byte) *flow.ServerEvent {
	e := &flow.ServerEvent{}
	walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) {
		switch num {
		case fServerEventStatus:
			e.Status = string(v)
		case fServerEventPort:
			e.Port = int32(scalar)
		}
	})
	return e
}

func marshalFlowData(f *flow.FlowData) []byte {
	var b []byte
	if f == nil {
		return b
	}
	b = appendStringField(b, fFlowID, f.ID)
	b = appendStringField(b, fFlowMethod, f.Method)
	b = appendStringField(b, fFlowURL, f.URL)
	b = appendVarintField(b, fFlowStatus, uint64(uint32(f.Status)))
	b = appendFixed64Field(b, fFlowStartTimestamp, math.Float64bits(f.StartTimestamp))
	b = appendFixed64Field(b, fFlowEndTimestamp, math.Float64bits(f.EndTimestamp))
	b = appendVarintField(b, fFlowRequestSize, uint64(f.RequestSize))
	b = appendVarintField(b, fFlowResponseSize, uint64(f.ResponseSize))
	for k, v := range f.RequestHeaders {
		b = appendBytesField(b, fFlowRequestHeaders, marshalHeaderPair(k, v))
	}
	for k, v := range f.ResponseHeaders {
		b = appendBytesField(b, fFlowResponseHeaders, marshalHeaderPair(k, v))
	}
	b = appendStringField(b, fFlowRequestBody, f.RequestBody)
	b = appendStringField(b, fFlowResponseBody, f.ResponseBody)
	b = appendVarintField(b, fFlowIsIntercepted, boolToVarint(f.IsIntercepted))
	return b
}

func unmarshalFlowData(b []byte) *flow.FlowData {
	f := &flow.FlowData{
		RequestHeaders:  map[string]string{},
		ResponseHeaders: map[string]string{},
	}
	walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) {
		switch num {
		case fFlowID:
			f.ID = string(v)
		case fFlowMethod:
			f.Method = string(v)
		case fFlowURL:
			f.URL = string(v)
		case fFlowStatus:
			f.Status = int32(int32(uint32(scalar)))
		case fFlowStartTimestamp:
			f.StartTimestamp = math.Float64frombits(scalar)
		case fFlowEndTimestamp:
			f.EndTimestamp = math.Float64frombits(scalar)
		case fFlowRequestSize:
			f.RequestSize = int64(scalar)
		case fFlowResponseSize:
			f.ResponseSize = int64(scalar)
		case fFlowRequestHeaders:
			k, val := unmarshalHeaderPair(v)
			f.RequestHeaders[k] = val
		case fFlowResponseHeaders:
			k, val := unmarshalHeaderPair(v)
			f.ResponseHeaders[k] = val
		case fFlowRequestBody:
			f.RequestBody = string(v)
		case fFlowResponseBody:
			f.ResponseBody = string(v)
		case fFlowIsIntercepted:
			f.IsIntercepted = scalar != 0
		}
	})
	return f
}

func marshalHeaderPair(k, v string) []byte {
	var b []byte
	b = appendStringField(b, fHeaderKey, k)
	b = appendStringField(b, fHeaderValue, v)
	return b
}

func unmarshalHeaderPair(b []byte) (key, value string) {
	walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) {
		switch num {
		case fHeaderKey:
			key = string(v)
		case fHeaderValue:
			value = string(v)
		}
	})
	return key, value
}

func marshalFilter(f *flow.FilterModel) []byte {
	var b []byte
	if f == nil {
		return b
	}
	b = appendVarintField(b, fFilterID, uint64(f.ID))
	b = appendStringField(b, fFilterName, f.FilterName)
	b = appendStringField(b, fFilterField, f.Field)
	b = appendVarintField(b, fFilterOp, uint64(f.Operator))
	b = appendStringField(b, fFilterValue, f.Value)
	return b
}

func unmarshalFilter(b []byte) *flow.FilterModel {
	f := &flow.FilterModel{}
	walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) {
		switch num {
		case fFilterID:
			f.ID = int64(scalar)
		case fFilterName:
			f.FilterName = string(v)
		case fFilterField:
			f.Field = string(v)
		case fFilterOp:
			f.Operator = flow.Operator(scalar)
		case fFilterValue:
			f.Value = string(v)
		}
	})
	return f
}

func marshalRule(r *flow.RuleModel) []byte {
	var b []byte
	if r == nil {
		return b
	}
	b = appendVarintField(b, fRuleID, uint64(r.ID))
	b = appendStringField(b, fRuleName, r.RuleName)
	b = appendVarintField(b, fRuleFilterID, uint64(r.FilterID))
	b = appendVarintField(b, fRuleAction, uint64(r.Action))
	b = appendStringField(b, fRuleTargetKey, r.TargetKey)
	b = appendStringField(b, fRuleTargetValue, r.TargetValue)
	b = appendVarintField(b, fRuleEnabled, boolToVarint(r.Enabled))
	return b
}

func unmarshalRule(b []byte) *flow.RuleModel {
	r := &flow.RuleModel{}
	walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) {
		switch num {
		case fRuleID:
			r.ID = int64(scalar)
		case fRuleName:
			r.RuleName = string(v)
		case fRuleFilterID:
			r.FilterID = int64(scalar)
		case fRuleAction:
			r.Action = flow.RuleAction(scalar)
		case fRuleTargetKey:
			r.TargetKey = string(v)
		case fRuleTargetValue:
			r.TargetValue = string(v)
		case fRuleEnabled:
			r.Enabled = scalar != 0
		}
	})
	return r
}

func marshalSync(s *flow.SyncMessage) ([]byte, error) {
	var b []byte
	if s == nil {
		return b, nil
	}
	b = appendVarintField(b, fSyncOperation, uint64(s.Operation))
	for i := range s.RulesList {
		b = appendBytesField(b, fSyncRules, marshalRule(&s.RulesList[i]))
	}
	for i := range s.FiltersData {
		b = appendBytesField(b, fSyncFilters, marshalFilter(&s.FiltersData[i]))
	}
	b = appendFixed64Field(b, fSyncTimestamp, math.Float64bits(s.Timestamp))
	return b, nil
}

func unmarshalSync(b []byte) (*flow.SyncMessage, error) {
	s := &flow.SyncMessage{}
	walkErr := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) {
		switch num {
		case fSyncOperation:
			s.Operation = flow.OperationType(scalar)
		case fSyncRules:
			s.RulesList = append(s.RulesList, *unmarshalRule(v))
		case fSyncFilters:
			s.FiltersData = append(s.FiltersData, *unmarshalFilter(v))
		case fSyncTimestamp:
			s.Timestamp = math.Float64frombits(scalar)
		}
	})
	return s, walkErr
}

// walkFields iterates the tag/value pairs in b, calling fn for every field.
// For varint/fixed32/fixed64 fields, v is nil and scalar holds the decoded
// value; for length-delimited fields, v holds the raw bytes and scalar is 0.
// Malformed input stops the walk at the first unparseable tag or value and
// returns the parse error, so a caller that checks it can drop the whole
// frame instead of using a partially decoded message; fields seen before
// that point have already been passed to fn.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, typ, nil, v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, typ, nil, v)
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, typ, nil, uint64(v))
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, typ, v, 0)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func boolToVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
