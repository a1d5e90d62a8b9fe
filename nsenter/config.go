package nsenter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// initMsgType is the expected type value of the message header. Any other
// value, or an error indication, is fatal to parse.
const initMsgType uint16 = 62000

// Attribute type ids, exactly as the manager encodes them.
const (
	attrCloneFlags    uint16 = 27281
	attrNsPaths       uint16 = 27282
	attrUidMap        uint16 = 27283
	attrGidMap        uint16 = 27284
	attrSetgroups     uint16 = 27285
	attrOomScoreAdj   uint16 = 27286
	attrRootlessEuid  uint16 = 27287
	attrUidMapPath    uint16 = 27288
	attrGidMapPath    uint16 = 27289
	attrPrepRootfs    uint16 = 27290
	attrMakeParentPriv uint16 = 27291
	attrRootfsProp    uint16 = 27292
	attrRootfs        uint16 = 27293
	attrParentMount   uint16 = 27294
	attrShiftfsMounts uint16 = 27295
)

// msgHeader is the fixed-size netlink-style header: total message length
// (including this header) and the message type.
type msgHeader struct {
	Length uint32
	Type   uint16
	_      uint16 // reserved, always zero
}

const msgHeaderSize = 8

// attrHeader precedes every attribute value. Length includes the 4-byte
// attribute header itself, matching nlattr semantics.
type attrHeader struct {
	Length uint16
	Type   uint16
}

const attrHeaderSize = 4
const attrAlign = 4

func alignAttr(n int) int {
	return (n + attrAlign - 1) &^ (attrAlign - 1)
}

// ParseBootstrapMessage reads one length-delimited, typed, 4-byte-aligned
// attribute message from r and decodes it into a BootstrapConfig. Any
// malformed framing, wrong header type, or unrecognized attribute type is
// fatal, per spec: this wire format ships in lockstep with the manager, so
// forward compatibility is not a goal.
func ParseBootstrapMessage(r io.Reader) (*BootstrapConfig, error) {
	var hdr msgHeader
	if err := binary.Read(r, binary.NativeEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read bootstrap message header: %w", err)
	}
	if hdr.Type != initMsgType {
		return nil, fmt.Errorf("unexpected bootstrap message type %d, want %d", hdr.Type, initMsgType)
	}
	if hdr.Length < msgHeaderSize {
		return nil, fmt.Errorf("bootstrap message length %d shorter than header", hdr.Length)
	}

	payloadLen := int(hdr.Length) - msgHeaderSize
	raw := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read bootstrap message payload: %w", err)
	}

	cfg := &BootstrapConfig{raw: raw}
	off := 0
	for off < len(raw) {
		if off+attrHeaderSize > len(raw) {
			return nil, fmt.Errorf("truncated attribute header at offset %d", off)
		}
		var ah attrHeader
		if err := binary.Read(bytes.NewReader(raw[off:off+attrHeaderSize]), binary.NativeEndian, &ah); err != nil {
			return nil, fmt.Errorf("decode attribute header: %w", err)
		}
		if int(ah.Length) < attrHeaderSize || off+int(ah.Length) > len(raw) {
			return nil, fmt.Errorf("invalid attribute length %d at offset %d", ah.Length, off)
		}
		value := raw[off+attrHeaderSize : off+int(ah.Length)]
		if err := cfg.applyAttr(ah.Type, value); err != nil {
			return nil, err
		}
		off += alignAttr(int(ah.Length))
	}

	return cfg, nil
}

func (cfg *BootstrapConfig) applyAttr(typ uint16, value []byte) error {
	switch typ {
	case attrCloneFlags:
		cfg.CloneFlags = decodeU32(value)
	case attrNsPaths:
		cfg.NsPaths = parseNsPaths(string(value))
	case attrUidMap:
		cfg.UidMap = value
	case attrGidMap:
		cfg.GidMap = value
	case attrSetgroups:
		cfg.SetgroupsRequested = decodeBool(value)
	case attrOomScoreAdj:
		cfg.OomScoreAdj = value
	case attrRootlessEuid:
		cfg.RootlessEuid = decodeBool(value)
	case attrUidMapPath:
		cfg.UidMapToolPath = string(value)
	case attrGidMapPath:
		cfg.GidMapToolPath = string(value)
	case attrPrepRootfs:
		cfg.PrepRootfs = decodeBool(value)
	case attrMakeParentPriv:
		cfg.MakeParentPriv = decodeBool(value)
	case attrRootfsProp:
		cfg.RootfsProp = decodeU32(value)
	case attrRootfs:
		cfg.Rootfs = string(value)
	case attrParentMount:
		cfg.ParentMount = string(value)
	case attrShiftfsMounts:
		cfg.ShiftfsMounts = splitNonEmpty(string(value), ",")
	default:
		return fmt.Errorf("unknown bootstrap attribute type %d", typ)
	}
	return nil
}

func decodeU32(v []byte) uint32 {
	if len(v) < 4 {
		return 0
	}
	return binary.NativeEndian.Uint32(v[:4])
}

func decodeBool(v []byte) bool {
	return len(v) > 0 && v[0] != 0
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseNsPaths(s string) []NsPathEntry {
	var out []NsPathEntry
	for _, p := range splitNonEmpty(s, ",") {
		kind, path, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		out = append(out, NsPathEntry{Kind: NamespaceKind(kind), Path: path})
	}
	return out
}

// EncodeBootstrapMessage serializes cfg back into the wire format
// ParseBootstrapMessage reads. Building the bootstrap message is the
// manager's job in production (spec.md §1, explicitly out of scope for
// the executor); this exists so tests can construct fixtures and assert
// the round-trip property from spec.md §8 without a second, independent
// encoder living outside the test tree.
func EncodeBootstrapMessage(cfg *BootstrapConfig) []byte {
	var payload bytes.Buffer

	writeAttr := func(typ uint16, value []byte) {
		total := attrHeaderSize + len(value)
		binary.Write(&payload, binary.NativeEndian, attrHeader{Length: uint16(total), Type: typ})
		payload.Write(value)
		if pad := alignAttr(total) - total; pad > 0 {
			payload.Write(make([]byte, pad))
		}
	}

	writeU32Attr := func(typ uint16, v uint32) {
		b := make([]byte, 4)
		binary.NativeEndian.PutUint32(b, v)
		writeAttr(typ, b)
	}
	writeBoolAttr := func(typ uint16, v bool) {
		b := byte(0)
		if v {
			b = 1
		}
		writeAttr(typ, []byte{b})
	}

	if cfg.CloneFlags != 0 {
		writeU32Attr(attrCloneFlags, cfg.CloneFlags)
	}
	if len(cfg.NsPaths) > 0 {
		parts := make([]string, len(cfg.NsPaths))
		for i, e := range cfg.NsPaths {
			parts[i] = string(e.Kind) + ":" + e.Path
		}
		writeAttr(attrNsPaths, []byte(strings.Join(parts, ",")))
	}
	if len(cfg.UidMap) > 0 {
		writeAttr(attrUidMap, cfg.UidMap)
	}
	if len(cfg.GidMap) > 0 {
		writeAttr(attrGidMap, cfg.GidMap)
	}
	writeBoolAttr(attrSetgroups, cfg.SetgroupsRequested)
	if len(cfg.OomScoreAdj) > 0 {
		writeAttr(attrOomScoreAdj, cfg.OomScoreAdj)
	}
	writeBoolAttr(attrRootlessEuid, cfg.RootlessEuid)
	if cfg.UidMapToolPath != "" {
		writeAttr(attrUidMapPath, []byte(cfg.UidMapToolPath))
	}
	if cfg.GidMapToolPath != "" {
		writeAttr(attrGidMapPath, []byte(cfg.GidMapToolPath))
	}
	writeBoolAttr(attrPrepRootfs, cfg.PrepRootfs)
	writeBoolAttr(attrMakeParentPriv, cfg.MakeParentPriv)
	if cfg.RootfsProp != 0 {
		writeU32Attr(attrRootfsProp, cfg.RootfsProp)
	}
	if cfg.Rootfs != "" {
		writeAttr(attrRootfs, []byte(cfg.Rootfs))
	}
	if cfg.ParentMount != "" {
		writeAttr(attrParentMount, []byte(cfg.ParentMount))
	}
	if len(cfg.ShiftfsMounts) > 0 {
		writeAttr(attrShiftfsMounts, []byte(strings.Join(cfg.ShiftfsMounts, ",")))
	}

	var out bytes.Buffer
	hdr := msgHeader{Length: uint32(msgHeaderSize + payload.Len()), Type: initMsgType}
	binary.Write(&out, binary.NativeEndian, hdr)
	out.Write(payload.Bytes())
	return out.Bytes()
}
