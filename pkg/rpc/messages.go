package rpc

import (
	"encoding/binary"
	"fmt"
	"math"

	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/types"
)

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// AppPairRequest is the APP_PAIR payload: an application announces its
// protocol version and the base path of its private FIFO pair
// (base+".in" carries application->manager traffic, base+".out" the
// reverse).
type AppPairRequest struct {
	ProtocolVersion uint16
	FIFOBase        string
}

const maxFIFOBaseLen = 128

func EncodeAppPairRequest(r AppPairRequest) []byte {
	b := make([]byte, 2+maxFIFOBaseLen)
	binary.LittleEndian.PutUint16(b[0:2], r.ProtocolVersion)
	PutFixedString(b[2:], r.FIFOBase)
	return b
}

func DecodeAppPairRequest(b []byte) (AppPairRequest, error) {
	if len(b) < 2+maxFIFOBaseLen {
		return AppPairRequest{}, fmt.Errorf("app_pair: short payload: %w", rtrmerrors.ErrProtocolError)
	}
	return AppPairRequest{
		ProtocolVersion: binary.LittleEndian.Uint16(b[0:2]),
		FIFOBase:        FixedString(b[2 : 2+maxFIFOBaseLen]),
	}, nil
}

// RegisterBody is MsgRegister's body: everything Register needs beyond
// the header's (app_pid, exc_id).
type RegisterBody struct {
	Name       string
	RecipeName string
	Language   string
	Priority   int32
}

const registerBodyLen = MaxExcNameLen + MaxRecipeNameLen + MaxExcNameLen + 4

func EncodeRegisterBody(b RegisterBody) []byte {
	out := make([]byte, registerBodyLen)
	off := 0
	PutFixedString(out[off:off+MaxExcNameLen], b.Name)
	off += MaxExcNameLen
	PutFixedString(out[off:off+MaxRecipeNameLen], b.RecipeName)
	off += MaxRecipeNameLen
	PutFixedString(out[off:off+MaxExcNameLen], b.Language)
	off += MaxExcNameLen
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(b.Priority))
	return out
}

func DecodeRegisterBody(b []byte) (RegisterBody, error) {
	if len(b) < registerBodyLen {
		return RegisterBody{}, fmt.Errorf("register: short body: %w", rtrmerrors.ErrProtocolError)
	}
	off := 0
	name := FixedString(b[off : off+MaxExcNameLen])
	off += MaxExcNameLen
	recipe := FixedString(b[off : off+MaxRecipeNameLen])
	off += MaxRecipeNameLen
	lang := FixedString(b[off : off+MaxExcNameLen])
	off += MaxExcNameLen
	priority := int32(binary.LittleEndian.Uint32(b[off : off+4]))
	return RegisterBody{Name: name, RecipeName: recipe, Language: lang, Priority: priority}, nil
}

// ConstraintBody is the body shared by MsgSetConstraint/MsgClearConstraint.
type ConstraintBody struct {
	Kind         types.ConstraintKind
	ResourcePath string
	Bound        int64
}

const constraintBodyLen = 1 + 64 + 8

func EncodeConstraintBody(c types.Constraint) []byte {
	out := make([]byte, constraintBodyLen)
	out[0] = constraintKindCode(c.Kind)
	PutFixedString(out[1:65], c.ResourcePath)
	binary.LittleEndian.PutUint64(out[65:73], uint64(c.Bound))
	return out
}

func DecodeConstraintBody(b []byte) (types.Constraint, error) {
	if len(b) < constraintBodyLen {
		return types.Constraint{}, fmt.Errorf("constraint: short body: %w", rtrmerrors.ErrProtocolError)
	}
	kind, err := constraintKindFromCode(b[0])
	if err != nil {
		return types.Constraint{}, err
	}
	return types.Constraint{
		Kind:         kind,
		ResourcePath: FixedString(b[1:65]),
		Bound:        int64(binary.LittleEndian.Uint64(b[65:73])),
	}, nil
}

func constraintKindCode(k types.ConstraintKind) byte {
	switch k {
	case types.ConstraintResourceLower:
		return 0
	case types.ConstraintResourceUpper:
		return 1
	case types.ConstraintAWMLower:
		return 2
	case types.ConstraintAWMUpper:
		return 3
	case types.ConstraintAWMExact:
		return 4
	default:
		return 255
	}
}

func constraintKindFromCode(c byte) (types.ConstraintKind, error) {
	switch c {
	case 0:
		return types.ConstraintResourceLower, nil
	case 1:
		return types.ConstraintResourceUpper, nil
	case 2:
		return types.ConstraintAWMLower, nil
	case 3:
		return types.ConstraintAWMUpper, nil
	case 4:
		return types.ConstraintAWMExact, nil
	default:
		return "", fmt.Errorf("constraint: unknown kind code %d: %w", c, rtrmerrors.ErrProtocolError)
	}
}

// RuntimeNotifyBody carries an application's self-measured profile.
type RuntimeNotifyBody struct {
	GoalGap     float64
	CPUUsage    float64
	CycleTimeMs float64
}

const runtimeNotifyBodyLen = 24

func EncodeRuntimeNotifyBody(b RuntimeNotifyBody) []byte {
	out := make([]byte, runtimeNotifyBodyLen)
	binary.LittleEndian.PutUint64(out[0:8], floatBits(b.GoalGap))
	binary.LittleEndian.PutUint64(out[8:16], floatBits(b.CPUUsage))
	binary.LittleEndian.PutUint64(out[16:24], floatBits(b.CycleTimeMs))
	return out
}

func DecodeRuntimeNotifyBody(b []byte) (RuntimeNotifyBody, error) {
	if len(b) < runtimeNotifyBodyLen {
		return RuntimeNotifyBody{}, fmt.Errorf("runtime_notify: short body: %w", rtrmerrors.ErrProtocolError)
	}
	return RuntimeNotifyBody{
		GoalGap:     floatFromBits(binary.LittleEndian.Uint64(b[0:8])),
		CPUUsage:    floatFromBits(binary.LittleEndian.Uint64(b[8:16])),
		CycleTimeMs: floatFromBits(binary.LittleEndian.Uint64(b[16:24])),
	}, nil
}

// PreChangeBody is MsgPreChange's body: the proposed AWM id and its
// resource assignment, flattened to a fixed number of (path, qty) slots.
type PreChangeBody struct {
	AWMID      int32
	Assignment types.ResourceAssignmentMap
}

const maxAssignmentEntries = 8
const assignmentEntryLen = 32 + 8 // path + quantity
const preChangeBodyLen = 4 + maxAssignmentEntries*assignmentEntryLen

func EncodePreChangeBody(b PreChangeBody) []byte {
	out := make([]byte, preChangeBodyLen)
	binary.LittleEndian.PutUint32(out[0:4], uint32(b.AWMID))

	i := 0
	off := 4
	for path, qty := range b.Assignment {
		if i >= maxAssignmentEntries {
			break
		}
		PutFixedString(out[off:off+32], path)
		binary.LittleEndian.PutUint64(out[off+32:off+40], uint64(qty))
		off += assignmentEntryLen
		i++
	}
	return out
}

func DecodePreChangeBody(b []byte) (PreChangeBody, error) {
	if len(b) < preChangeBodyLen {
		return PreChangeBody{}, fmt.Errorf("pre_change: short body: %w", rtrmerrors.ErrProtocolError)
	}
	result := PreChangeBody{
		AWMID:      int32(binary.LittleEndian.Uint32(b[0:4])),
		Assignment: types.ResourceAssignmentMap{},
	}
	off := 4
	for i := 0; i < maxAssignmentEntries; i++ {
		entry := b[off : off+assignmentEntryLen]
		path := FixedString(entry[:32])
		if path != "" {
			qty := int64(binary.LittleEndian.Uint64(entry[32:40]))
			result.Assignment[path] = qty
		}
		off += assignmentEntryLen
	}
	return result, nil
}

// WorkingModeBody is MsgResponse's body when answering MsgStart (a
// GetWorkingMode call): either the assigned AWM, or a status explaining
// why none is available yet.
type WorkingModeBody struct {
	Status     uint8 // WorkingModeOK / Blocked / Disabled / Error
	AWMID      int32
	Assignment types.ResourceAssignmentMap
}

const (
	WorkingModeOK       uint8 = 0
	WorkingModeBlocked  uint8 = 1
	WorkingModeDisabled uint8 = 2
	WorkingModeError    uint8 = 3
)

const workingModeBodyLen = 1 + 4 + maxAssignmentEntries*assignmentEntryLen

func EncodeWorkingModeBody(b WorkingModeBody) []byte {
	out := make([]byte, workingModeBodyLen)
	out[0] = b.Status
	binary.LittleEndian.PutUint32(out[1:5], uint32(b.AWMID))

	i := 0
	off := 5
	for path, qty := range b.Assignment {
		if i >= maxAssignmentEntries {
			break
		}
		PutFixedString(out[off:off+32], path)
		binary.LittleEndian.PutUint64(out[off+32:off+40], uint64(qty))
		off += assignmentEntryLen
		i++
	}
	return out
}

func DecodeWorkingModeBody(b []byte) (WorkingModeBody, error) {
	if len(b) < workingModeBodyLen {
		return WorkingModeBody{}, fmt.Errorf("working_mode: short body: %w", rtrmerrors.ErrProtocolError)
	}
	result := WorkingModeBody{
		Status:     b[0],
		AWMID:      int32(binary.LittleEndian.Uint32(b[1:5])),
		Assignment: types.ResourceAssignmentMap{},
	}
	off := 5
	for i := 0; i < maxAssignmentEntries; i++ {
		entry := b[off : off+assignmentEntryLen]
		path := FixedString(entry[:32])
		if path != "" {
			qty := int64(binary.LittleEndian.Uint64(entry[32:40]))
			result.Assignment[path] = qty
		}
		off += assignmentEntryLen
	}
	return result, nil
}

// PreChangeAckBody is the application's non-binding latency estimate in
// reply to a PreChange proposal.
type PreChangeAckBody struct {
	EstimateMs uint32
}

func EncodePreChangeAckBody(b PreChangeAckBody) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, b.EstimateMs)
	return out
}

func DecodePreChangeAckBody(b []byte) (PreChangeAckBody, error) {
	if len(b) < 4 {
		return PreChangeAckBody{}, fmt.Errorf("pre_change ack: short body: %w", rtrmerrors.ErrProtocolError)
	}
	return PreChangeAckBody{EstimateMs: binary.LittleEndian.Uint32(b[0:4])}, nil
}

// ResponseBody is the generic MsgResponse body: a status code and, for
// SyncChange replies, whether the participant quiesced.
type ResponseBody struct {
	OK bool
}

func EncodeResponseBody(ok bool) []byte {
	if ok {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeResponseBody(b []byte) (ResponseBody, error) {
	if len(b) < 1 {
		return ResponseBody{}, fmt.Errorf("response: empty body: %w", rtrmerrors.ErrProtocolError)
	}
	return ResponseBody{OK: b[0] != 0}, nil
}
