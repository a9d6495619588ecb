// Package ids implements the packed bitfield identifier algebra that
// every routed message in the fabric is addressed with: Pylon and
// Client device ids, Workspace ids, and Conversation ids.
package ids

import (
	"errors"
	"fmt"
)

// ErrInvalidId is returned whenever an encode/decode argument falls
// outside its defined bitfield range.
var ErrInvalidId = errors.New("ids: invalid id")

// Env identifies the deployment environment a device belongs to.
type Env int

const (
	EnvRelease Env = 0
	EnvStage   Env = 1
	EnvDev     Env = 2
)

func (e Env) valid() bool { return e >= EnvRelease && e <= EnvDev }

// PylonId is the 7-bit packed identity of a worker process:
// envId[2] . 0[1] . deviceIndex[4], deviceIndex in 1..15.
type PylonId uint8

// ClientId is the 7-bit packed identity of an app/viewer device:
// envId[2] . 1[1] . deviceIndex[4], deviceIndex in 0..15.
type ClientId uint8

// WorkspaceId is the 14-bit packed identity of a workspace:
// PylonId[7] . workspaceIndex[7], workspaceIndex in 1..127.
type WorkspaceId uint16

// ConvId is the 24-bit packed identity of a conversation:
// WorkspaceId[14] . convIndex[10], convIndex in 1..1023.
type ConvId uint32

const (
	clientTypeBit = 1 << 4 // bit 4 distinguishes client (1) from pylon (0)

	minPylonIdx = 1
	maxPylonIdx = 15
	minClientIdx = 0
	maxClientIdx = 15

	minWorkspaceIdx = 1
	maxWorkspaceIdx = 127

	minConvIdx = 1
	maxConvIdx = 1023
)

// EncodePylon packs an environment and device index into a PylonId.
// deviceIndex must be in 1..15 (index 0 is reserved, meaning "no device").
func EncodePylon(env Env, deviceIndex int) (PylonId, error) {
	if !env.valid() {
		return 0, fmt.Errorf("%w: env %d out of range", ErrInvalidId, env)
	}
	if deviceIndex < minPylonIdx || deviceIndex > maxPylonIdx {
		return 0, fmt.Errorf("%w: pylon deviceIndex %d out of range 1..15", ErrInvalidId, deviceIndex)
	}
	return PylonId((int(env) << 5) | deviceIndex), nil
}

// DecodePylon unpacks a PylonId into its environment and device index.
func DecodePylon(id PylonId) (env Env, deviceIndex int, err error) {
	deviceIndex = int(id) & 0x0F
	typeBit := int(id) & clientTypeBit
	env = Env(int(id) >> 5)
	if typeBit != 0 {
		return 0, 0, fmt.Errorf("%w: %d is a client id, not a pylon id", ErrInvalidId, id)
	}
	if !env.valid() || deviceIndex < minPylonIdx || deviceIndex > maxPylonIdx {
		return 0, 0, fmt.Errorf("%w: pylon id %d out of range", ErrInvalidId, id)
	}
	return env, deviceIndex, nil
}

// EncodeClient packs an environment and device index into a ClientId.
// deviceIndex must be in 0..15.
func EncodeClient(env Env, deviceIndex int) (ClientId, error) {
	if !env.valid() {
		return 0, fmt.Errorf("%w: env %d out of range", ErrInvalidId, env)
	}
	if deviceIndex < minClientIdx || deviceIndex > maxClientIdx {
		return 0, fmt.Errorf("%w: client deviceIndex %d out of range 0..15", ErrInvalidId, deviceIndex)
	}
	return ClientId((int(env) << 5) | clientTypeBit | deviceIndex), nil
}

// DecodeClient unpacks a ClientId into its environment and device index.
func DecodeClient(id ClientId) (env Env, deviceIndex int, err error) {
	deviceIndex = int(id) & 0x0F
	typeBit := int(id) & clientTypeBit
	env = Env(int(id) >> 5)
	if typeBit == 0 {
		return 0, 0, fmt.Errorf("%w: %d is a pylon id, not a client id", ErrInvalidId, id)
	}
	if !env.valid() {
		return 0, 0, fmt.Errorf("%w: client id %d out of range", ErrInvalidId, id)
	}
	return env, deviceIndex, nil
}

// EncodeWorkspace packs a PylonId and workspace index (1..127) into a WorkspaceId.
func EncodeWorkspace(pylon PylonId, workspaceIndex int) (WorkspaceId, error) {
	if workspaceIndex < minWorkspaceIdx || workspaceIndex > maxWorkspaceIdx {
		return 0, fmt.Errorf("%w: workspaceIndex %d out of range 1..127", ErrInvalidId, workspaceIndex)
	}
	return WorkspaceId((uint16(pylon) << 7) | uint16(workspaceIndex)), nil
}

// DecodeWorkspace unpacks a WorkspaceId into its owning PylonId and workspace index.
func DecodeWorkspace(id WorkspaceId) (pylon PylonId, workspaceIndex int, err error) {
	workspaceIndex = int(id) & 0x7F
	pylon = PylonId(int(id) >> 7)
	if workspaceIndex < minWorkspaceIdx || workspaceIndex > maxWorkspaceIdx {
		return 0, 0, fmt.Errorf("%w: workspace id %d out of range", ErrInvalidId, id)
	}
	return pylon, workspaceIndex, nil
}

// EncodeConversation packs a WorkspaceId and conversation index (1..1023) into a ConvId.
func EncodeConversation(ws WorkspaceId, convIndex int) (ConvId, error) {
	if convIndex < minConvIdx || convIndex > maxConvIdx {
		return 0, fmt.Errorf("%w: convIndex %d out of range 1..1023", ErrInvalidId, convIndex)
	}
	return ConvId((uint32(ws) << 10) | uint32(convIndex)), nil
}

// DecodeConversation unpacks a ConvId into its owning WorkspaceId and conversation index.
func DecodeConversation(id ConvId) (ws WorkspaceId, convIndex int, err error) {
	convIndex = int(id) & 0x3FF
	ws = WorkspaceId(int(id) >> 10)
	if convIndex < minConvIdx || convIndex > maxConvIdx {
		return 0, 0, fmt.Errorf("%w: conversation id %d out of range", ErrInvalidId, id)
	}
	return ws, convIndex, nil
}

// ConversationFull is the fully unpacked form of a ConvId.
type ConversationFull struct {
	Env            Env
	PylonDeviceIdx int
	WorkspaceIdx   int
	ConvIdx        int
	Pylon          PylonId
	Workspace      WorkspaceId
}

// DecodeConversationFull unpacks every field encoded in a ConvId.
func DecodeConversationFull(id ConvId) (ConversationFull, error) {
	ws, convIdx, err := DecodeConversation(id)
	if err != nil {
		return ConversationFull{}, err
	}
	pylon, wsIdx, err := DecodeWorkspace(ws)
	if err != nil {
		return ConversationFull{}, err
	}
	env, devIdx, err := DecodePylon(pylon)
	if err != nil {
		return ConversationFull{}, err
	}
	return ConversationFull{
		Env:            env,
		PylonDeviceIdx: devIdx,
		WorkspaceIdx:   wsIdx,
		ConvIdx:        convIdx,
		Pylon:          pylon,
		Workspace:      ws,
	}, nil
}

// IsPylonId reports whether a raw 7-bit device id belongs to a pylon
// (type bit clear) as opposed to a client (type bit set).
func IsPylonId(d int) bool {
	return d&clientTypeBit == 0
}

// PylonOf extracts the owning PylonId from a ConvId without fully
// validating every intermediate field — equivalent to `convId >> 17`.
func PylonOf(conv ConvId) PylonId {
	return PylonId(conv >> 17)
}
