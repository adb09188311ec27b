package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/flowgate/flowgate/internal/flowerr"
)

// Frame kinds identify which record a payload decodes to. They're the first
// byte of every encoded payload; each typed Decode function checks it and
// rejects a payload of another kind.
const (
	frameKindAgentToServer byte = 0x01
	frameKindServerToAgent byte = 0x02
)

// field tags, AgentToServer
const (
	tagA2SInstanceUID         byte = 1
	tagA2SSequenceNum         byte = 2
	tagA2SCapabilities        byte = 3
	tagA2SIdentifyingAttrs    byte = 4
	tagA2SNonIdentifyingAttrs byte = 5
	tagA2SEffectiveConfig     byte = 6
	tagA2SRemoteConfigStatus  byte = 7
	tagA2SHealth              byte = 8
	tagA2SAvailableComponents byte = 9
	tagA2SPackageStatuses     byte = 10
)

// field tags, ServerToAgent
const (
	tagS2AInstanceUID    byte = 1
	tagS2ACapabilities   byte = 2
	tagS2ARemoteConfig   byte = 3
	tagS2AErrorResponse  byte = 4
	tagS2ACommand        byte = 5
	tagS2AFlags          byte = 6
)

// ── top-level frame encode/decode ──────────────────────────────────────────

// EncodeAgentToServer renders msg as a length-prefixed binary frame.
func EncodeAgentToServer(msg *AgentToServer) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil AgentToServer", flowerr.ErrWireFormat)
	}
	var b fieldBuffer
	b.writeByte(frameKindAgentToServer)
	b.writeTagBytes(tagA2SInstanceUID, msg.InstanceUID[:])
	b.writeTagUvarint(tagA2SSequenceNum, msg.SequenceNum)
	b.writeTagFixed64(tagA2SCapabilities, msg.Capabilities)

	if msg.AgentDescription != nil {
		if len(msg.AgentDescription.IdentifyingAttributes) > 0 {
			b.writeTagBytes(tagA2SIdentifyingAttrs, encodeStringMap(msg.AgentDescription.IdentifyingAttributes))
		}
		if len(msg.AgentDescription.NonIdentifyingAttributes) > 0 {
			b.writeTagBytes(tagA2SNonIdentifyingAttrs, encodeStringMap(msg.AgentDescription.NonIdentifyingAttributes))
		}
	}
	if msg.EffectiveConfig != nil {
		b.writeTagBytes(tagA2SEffectiveConfig, encodeEffectiveConfig(msg.EffectiveConfig))
	}
	if msg.RemoteConfigStatus != nil {
		b.writeTagBytes(tagA2SRemoteConfigStatus, encodeRemoteConfigStatus(msg.RemoteConfigStatus))
	}
	if msg.Health != nil {
		b.writeTagBytes(tagA2SHealth, encodeHealth(msg.Health))
	}
	if msg.AvailableComponents != nil {
		b.writeTagBytes(tagA2SAvailableComponents, encodeAvailableComponents(msg.AvailableComponents))
	}
	if len(msg.PackageStatuses) > 0 {
		b.writeTagBytes(tagA2SPackageStatuses, encodePackageStatuses(msg.PackageStatuses))
	}
	return framePrefix(b.Bytes()), nil
}

// DecodeAgentToServer parses a length-prefixed frame produced by
// EncodeAgentToServer (or an equivalent encoder). Unknown fields are
// ignored. Any framing or required-field violation returns a wrapped
// flowerr.ErrWireFormat and never a partially populated record.
func DecodeAgentToServer(frame []byte) (*AgentToServer, error) {
	payload, err := unframe(frame)
	if err != nil {
		return nil, err
	}
	r := fieldReader{buf: payload}
	kind, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading frame kind: %v", flowerr.ErrWireFormat, err)
	}
	if kind != frameKindAgentToServer {
		return nil, fmt.Errorf("%w: expected AgentToServer frame kind, got %#x", flowerr.ErrWireFormat, kind)
	}

	msg := &AgentToServer{}
	var sawInstanceUID, sawSequenceNum bool
	var identAttrs, nonIdentAttrs map[string]string

	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", flowerr.ErrWireFormat, err)
		}
		switch tag {
		case tagA2SInstanceUID:
			if len(value) != InstanceUIDSize {
				return nil, fmt.Errorf("%w: instance_uid must be %d bytes, got %d", flowerr.ErrWireFormat, InstanceUIDSize, len(value))
			}
			copy(msg.InstanceUID[:], value)
			sawInstanceUID = true
		case tagA2SSequenceNum:
			v, _, err := decodeUvarint(value)
			if err != nil {
				return nil, fmt.Errorf("%w: sequence_num: %v", flowerr.ErrWireFormat, err)
			}
			msg.SequenceNum = v
			sawSequenceNum = true
		case tagA2SCapabilities:
			v, err := decodeFixed64(value)
			if err != nil {
				return nil, fmt.Errorf("%w: capabilities: %v", flowerr.ErrWireFormat, err)
			}
			msg.Capabilities = v
		case tagA2SIdentifyingAttrs:
			m, err := decodeStringMap(value)
			if err != nil {
				return nil, fmt.Errorf("%w: identifying_attributes: %v", flowerr.ErrWireFormat, err)
			}
			identAttrs = m
		case tagA2SNonIdentifyingAttrs:
			m, err := decodeStringMap(value)
			if err != nil {
				return nil, fmt.Errorf("%w: non_identifying_attributes: %v", flowerr.ErrWireFormat, err)
			}
			nonIdentAttrs = m
		case tagA2SEffectiveConfig:
			ec, err := decodeEffectiveConfig(value)
			if err != nil {
				return nil, fmt.Errorf("%w: effective_config: %v", flowerr.ErrWireFormat, err)
			}
			msg.EffectiveConfig = ec
		case tagA2SRemoteConfigStatus:
			rcs, err := decodeRemoteConfigStatus(value)
			if err != nil {
				return nil, fmt.Errorf("%w: remote_config_status: %v", flowerr.ErrWireFormat, err)
			}
			msg.RemoteConfigStatus = rcs
		case tagA2SHealth:
			h, err := decodeHealth(value)
			if err != nil {
				return nil, fmt.Errorf("%w: health: %v", flowerr.ErrWireFormat, err)
			}
			msg.Health = h
		case tagA2SAvailableComponents:
			ac, err := decodeAvailableComponents(value)
			if err != nil {
				return nil, fmt.Errorf("%w: available_components: %v", flowerr.ErrWireFormat, err)
			}
			msg.AvailableComponents = ac
		case tagA2SPackageStatuses:
			ps, err := decodePackageStatuses(value)
			if err != nil {
				return nil, fmt.Errorf("%w: package_statuses: %v", flowerr.ErrWireFormat, err)
			}
			msg.PackageStatuses = ps
		default:
			// unknown field: forward-compatible, ignore.
		}
	}

	if !sawInstanceUID {
		return nil, fmt.Errorf("%w: missing required field instance_uid", flowerr.ErrWireFormat)
	}
	if !sawSequenceNum {
		return nil, fmt.Errorf("%w: missing required field sequence_num", flowerr.ErrWireFormat)
	}
	if identAttrs != nil || nonIdentAttrs != nil {
		msg.AgentDescription = &AgentDescription{
			IdentifyingAttributes:    identAttrs,
			NonIdentifyingAttributes: nonIdentAttrs,
		}
	}
	return msg, nil
}

// EncodeServerToAgent renders msg as a length-prefixed binary frame.
func EncodeServerToAgent(msg *ServerToAgent) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil ServerToAgent", flowerr.ErrWireFormat)
	}
	var b fieldBuffer
	b.writeByte(frameKindServerToAgent)
	b.writeTagBytes(tagS2AInstanceUID, msg.InstanceUID[:])
	b.writeTagFixed64(tagS2ACapabilities, msg.Capabilities)
	if msg.RemoteConfig != nil {
		b.writeTagBytes(tagS2ARemoteConfig, encodeRemoteConfig(msg.RemoteConfig))
	}
	if msg.ErrorResponse != nil {
		b.writeTagBytes(tagS2AErrorResponse, encodeErrorResponse(msg.ErrorResponse))
	}
	if msg.Command != nil {
		b.writeTagBytes(tagS2ACommand, []byte{byte(msg.Command.Type)})
	}
	if msg.Flags != 0 {
		b.writeTagUvarint(tagS2AFlags, uint64(msg.Flags))
	}
	return framePrefix(b.Bytes()), nil
}

// DecodeServerToAgent parses a length-prefixed frame produced by
// EncodeServerToAgent.
func DecodeServerToAgent(frame []byte) (*ServerToAgent, error) {
	payload, err := unframe(frame)
	if err != nil {
		return nil, err
	}
	r := fieldReader{buf: payload}
	kind, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading frame kind: %v", flowerr.ErrWireFormat, err)
	}
	if kind != frameKindServerToAgent {
		return nil, fmt.Errorf("%w: expected ServerToAgent frame kind, got %#x", flowerr.ErrWireFormat, kind)
	}

	msg := &ServerToAgent{}
	var sawInstanceUID bool
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", flowerr.ErrWireFormat, err)
		}
		switch tag {
		case tagS2AInstanceUID:
			if len(value) != InstanceUIDSize {
				return nil, fmt.Errorf("%w: instance_uid must be %d bytes, got %d", flowerr.ErrWireFormat, InstanceUIDSize, len(value))
			}
			copy(msg.InstanceUID[:], value)
			sawInstanceUID = true
		case tagS2ACapabilities:
			v, err := decodeFixed64(value)
			if err != nil {
				return nil, fmt.Errorf("%w: capabilities: %v", flowerr.ErrWireFormat, err)
			}
			msg.Capabilities = v
		case tagS2ARemoteConfig:
			rc, err := decodeRemoteConfig(value)
			if err != nil {
				return nil, fmt.Errorf("%w: remote_config: %v", flowerr.ErrWireFormat, err)
			}
			msg.RemoteConfig = rc
		case tagS2AErrorResponse:
			er, err := decodeErrorResponse(value)
			if err != nil {
				return nil, fmt.Errorf("%w: error_response: %v", flowerr.ErrWireFormat, err)
			}
			msg.ErrorResponse = er
		case tagS2ACommand:
			if len(value) != 1 {
				return nil, fmt.Errorf("%w: command: expected 1 byte, got %d", flowerr.ErrWireFormat, len(value))
			}
			msg.Command = &Command{Type: CommandType(value[0])}
		case tagS2AFlags:
			v, _, err := decodeUvarint(value)
			if err != nil {
				return nil, fmt.Errorf("%w: flags: %v", flowerr.ErrWireFormat, err)
			}
			msg.Flags = ServerFlags(v)
		default:
			// unknown field: forward-compatible, ignore.
		}
	}
	if !sawInstanceUID {
		return nil, fmt.Errorf("%w: missing required field instance_uid", flowerr.ErrWireFormat)
	}
	return msg, nil
}

// ── submessage encode/decode helpers ───────────────────────────────────────

func encodeEffectiveConfig(ec *EffectiveConfig) []byte {
	var b fieldBuffer
	b.writeTagBytes(1, ec.Hash)
	b.writeTagBytes(2, encodeFileMap(ec.ConfigMap))
	return b.Bytes()
}

func decodeEffectiveConfig(buf []byte) (*EffectiveConfig, error) {
	r := fieldReader{buf: buf}
	ec := &EffectiveConfig{}
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 1:
			ec.Hash = append([]byte(nil), value...)
		case 2:
			m, err := decodeFileMap(value)
			if err != nil {
				return nil, err
			}
			ec.ConfigMap = m
		}
	}
	return ec, nil
}

func encodeRemoteConfig(rc *RemoteConfig) []byte {
	var b fieldBuffer
	b.writeTagBytes(1, rc.Hash)
	b.writeTagBytes(2, encodeFileMap(rc.ConfigMap))
	return b.Bytes()
}

func decodeRemoteConfig(buf []byte) (*RemoteConfig, error) {
	r := fieldReader{buf: buf}
	rc := &RemoteConfig{}
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 1:
			rc.Hash = append([]byte(nil), value...)
		case 2:
			m, err := decodeFileMap(value)
			if err != nil {
				return nil, err
			}
			rc.ConfigMap = m
		}
	}
	return rc, nil
}

func encodeRemoteConfigStatus(rcs *RemoteConfigStatusReport) []byte {
	var b fieldBuffer
	b.writeTagBytes(1, []byte{byte(rcs.Status)})
	if len(rcs.LastRemoteConfigHash) > 0 {
		b.writeTagBytes(2, rcs.LastRemoteConfigHash)
	}
	if rcs.ErrorMessage != "" {
		b.writeTagBytes(3, []byte(rcs.ErrorMessage))
	}
	return b.Bytes()
}

func decodeRemoteConfigStatus(buf []byte) (*RemoteConfigStatusReport, error) {
	r := fieldReader{buf: buf}
	rcs := &RemoteConfigStatusReport{}
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 1:
			if len(value) != 1 {
				return nil, errors.New("remote_config_status.status must be 1 byte")
			}
			rcs.Status = RemoteConfigStatusEnum(value[0])
		case 2:
			rcs.LastRemoteConfigHash = append([]byte(nil), value...)
		case 3:
			rcs.ErrorMessage = string(value)
		}
	}
	return rcs, nil
}

func encodeHealth(h *HealthReport) []byte {
	var b fieldBuffer
	healthyByte := byte(0)
	if h.Healthy {
		healthyByte = 1
	}
	b.writeTagBytes(1, []byte{healthyByte})
	b.writeTagUvarint(2, h.StartTimeNanos)
	if h.LastError != "" {
		b.writeTagBytes(3, []byte(h.LastError))
	}
	return b.Bytes()
}

func decodeHealth(buf []byte) (*HealthReport, error) {
	r := fieldReader{buf: buf}
	h := &HealthReport{}
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 1:
			if len(value) != 1 {
				return nil, errors.New("health.healthy must be 1 byte")
			}
			h.Healthy = value[0] != 0
		case 2:
			v, _, err := decodeUvarint(value)
			if err != nil {
				return nil, err
			}
			h.StartTimeNanos = v
		case 3:
			h.LastError = string(value)
		}
	}
	return h, nil
}

func encodeAvailableComponents(ac *AvailableComponents) []byte {
	var b fieldBuffer
	b.writeTagBytes(1, ac.Hash)
	b.writeTagBytes(2, encodeStringMap(ac.Components))
	return b.Bytes()
}

func decodeAvailableComponents(buf []byte) (*AvailableComponents, error) {
	r := fieldReader{buf: buf}
	ac := &AvailableComponents{}
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 1:
			ac.Hash = append([]byte(nil), value...)
		case 2:
			m, err := decodeStringMap(value)
			if err != nil {
				return nil, err
			}
			ac.Components = m
		}
	}
	return ac, nil
}

func encodePackageStatuses(ps []PackageStatus) []byte {
	var b fieldBuffer
	b.writeTagUvarint(1, uint64(len(ps)))
	for _, p := range ps {
		var item fieldBuffer
		item.writeTagBytes(1, []byte(p.Name))
		item.writeTagBytes(2, []byte(p.Version))
		item.writeTagBytes(3, p.Hash)
		item.writeTagBytes(4, []byte{byte(p.Status)})
		if p.Error != "" {
			item.writeTagBytes(5, []byte(p.Error))
		}
		b.writeTagBytes(2, item.Bytes())
	}
	return b.Bytes()
}

func decodePackageStatuses(buf []byte) ([]PackageStatus, error) {
	r := fieldReader{buf: buf}
	var out []PackageStatus
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, err
		}
		if tag != 2 {
			continue
		}
		ir := fieldReader{buf: value}
		var p PackageStatus
		for !ir.done() {
			itag, ivalue, err := ir.readField()
			if err != nil {
				return nil, err
			}
			switch itag {
			case 1:
				p.Name = string(ivalue)
			case 2:
				p.Version = string(ivalue)
			case 3:
				p.Hash = append([]byte(nil), ivalue...)
			case 4:
				if len(ivalue) != 1 {
					return nil, errors.New("package_status.status must be 1 byte")
				}
				p.Status = PackageStatusEnum(ivalue[0])
			case 5:
				p.Error = string(ivalue)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func encodeErrorResponse(er *ErrorResponse) []byte {
	var b fieldBuffer
	b.writeTagBytes(1, []byte{byte(er.Type)})
	if er.Message != "" {
		b.writeTagBytes(2, []byte(er.Message))
	}
	if er.RetryAfterNanos != 0 {
		b.writeTagUvarint(3, er.RetryAfterNanos)
	}
	return b.Bytes()
}

func decodeErrorResponse(buf []byte) (*ErrorResponse, error) {
	r := fieldReader{buf: buf}
	er := &ErrorResponse{}
	for !r.done() {
		tag, value, err := r.readField()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 1:
			if len(value) != 1 {
				return nil, errors.New("error_response.type must be 1 byte")
			}
			er.Type = ErrorResponseType(value[0])
		case 2:
			er.Message = string(value)
		case 3:
			v, _, err := decodeUvarint(value)
			if err != nil {
				return nil, err
			}
			er.RetryAfterNanos = v
		}
	}
	return er, nil
}

// encodeStringMap renders a map[string]string deterministically: entries
// sorted by key, each as a length-prefixed key then length-prefixed value.
func encodeStringMap(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b fieldBuffer
	for _, k := range keys {
		b.writeLenPrefixed([]byte(k))
		b.writeLenPrefixed([]byte(m[k]))
	}
	return b.Bytes()
}

func decodeStringMap(buf []byte) (map[string]string, error) {
	r := fieldReader{buf: buf}
	m := make(map[string]string)
	for !r.done() {
		k, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		v, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		m[string(k)] = string(v)
	}
	return m, nil
}

// encodeFileMap renders a map[string][]byte the same way as encodeStringMap
// but with raw byte values (config file contents aren't necessarily UTF-8).
func encodeFileMap(m map[string][]byte) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b fieldBuffer
	for _, k := range keys {
		b.writeLenPrefixed([]byte(k))
		b.writeLenPrefixed(m[k])
	}
	return b.Bytes()
}

func decodeFileMap(buf []byte) (map[string][]byte, error) {
	r := fieldReader{buf: buf}
	m := make(map[string][]byte)
	for !r.done() {
		k, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		v, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		m[string(k)] = append([]byte(nil), v...)
	}
	return m, nil
}

// ── framing ─────────────────────────────────────────────────────────────

// framePrefix adds the 4-byte big-endian length prefix the transports use to
// delimit messages on a byte stream.
func framePrefix(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func unframe(frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: frame shorter than length prefix", flowerr.ErrWireFormat)
	}
	n := binary.BigEndian.Uint32(frame[:4])
	if uint32(len(frame)-4) != n {
		return nil, fmt.Errorf("%w: length prefix %d does not match payload size %d", flowerr.ErrWireFormat, n, len(frame)-4)
	}
	return frame[4:], nil
}
