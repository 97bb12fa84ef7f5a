package state_machine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

type CmdKind uint8

const (
	CmdSet CmdKind = iota
	CmdGet
	CmdDelete
	CmdNoop
)

const (
	maxKeyLen   = 1024
	maxValueLen = 1024 * 1024
)

// Command is one deterministic state machine operation.
type Command struct {
	Kind  CmdKind
	Key   string
	Value string
}

// Digest returns the hex SHA-256 of an encoded command. Both consensus
// protocols hash the same canonical bytes, so honest nodes always agree on
// the digest of a request.
func Digest(msg []byte) string {
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}

// Encode serializes a command into its canonical byte form
/*
	the command is encoded in bytes as follows:
	[0]     			              - kind
	[1..5] 				   			  - keyLen, uint32 (absent for NOOP)
	[5..5+keyLen] 	   	   			  - key
	[5+keyLen..5+keyLen+4] 			  - valueLen, uint32 (SET only)
	[5+keyLen+4..5+keyLen+4+valueLen] - value (SET only)
*/
func Encode(cmd Command) ([]byte, error) {
	switch cmd.Kind {
	case CmdNoop:
		return []byte{byte(CmdNoop)}, nil
	case CmdSet, CmdGet, CmdDelete:
	default:
		return nil, fmt.Errorf("unsupported command kind: %d", cmd.Kind)
	}

	var keyLen = uint32(len(cmd.Key))
	if keyLen == 0 {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if keyLen > maxKeyLen {
		return nil, fmt.Errorf("key too large: %d bytes", keyLen)
	}

	var valueLen uint32
	if cmd.Kind == CmdSet {
		valueLen = uint32(len(cmd.Value))
		if valueLen > maxValueLen {
			return nil, fmt.Errorf("value too large: %d bytes", valueLen)
		}
	}

	var totalMsgLen = 1 + 4 + keyLen
	if cmd.Kind == CmdSet {
		totalMsgLen += 4 + valueLen
	}

	buf := make([]byte, totalMsgLen)
	buf[0] = byte(cmd.Kind)

	binary.BigEndian.PutUint32(buf[1:5], keyLen)
	copy(buf[5:5+keyLen], cmd.Key)

	if cmd.Kind == CmdSet {
		var valOffset = 5 + keyLen
		binary.BigEndian.PutUint32(buf[valOffset:valOffset+4], valueLen)
		copy(buf[valOffset+4:valOffset+4+valueLen], cmd.Value)
	}

	return buf, nil
}

// Decode parses the canonical byte form back into a command.
func Decode(msg []byte) (Command, error) {
	var cmd Command

	if len(msg) == 0 {
		return cmd, fmt.Errorf("empty command")
	}

	cmd.Kind = CmdKind(msg[0])

	if cmd.Kind == CmdNoop {
		if len(msg) != 1 {
			return cmd, fmt.Errorf("trailing bytes after NOOP: %d", len(msg)-1)
		}
		return cmd, nil
	}

	switch cmd.Kind {
	case CmdSet, CmdGet, CmdDelete:
	default:
		return cmd, fmt.Errorf("unsupported command kind: %d", cmd.Kind)
	}

	// minimum length is 5 bytes (1 byte for kind and 4 bytes for keyLen)
	if len(msg) < 5 {
		return cmd, fmt.Errorf("command too short: %d bytes", len(msg))
	}

	var keyLen = int(binary.BigEndian.Uint32(msg[1:5]))
	if keyLen <= 0 || keyLen > maxKeyLen {
		return cmd, fmt.Errorf("invalid key length: %d", uint32(keyLen))
	}
	if len(msg) < 5+keyLen {
		return cmd, fmt.Errorf("incomplete message for key: need %d, got %d", 5+keyLen, len(msg))
	}

	cmd.Key = string(msg[5 : 5+keyLen])

	if cmd.Kind != CmdSet {
		if len(msg) != 5+keyLen {
			return cmd, fmt.Errorf("trailing bytes after key: %d", len(msg)-5-keyLen)
		}
		return cmd, nil
	}

	var valueOffset = 5 + keyLen
	if len(msg) < valueOffset+4 {
		return cmd, fmt.Errorf("message too short for value length")
	}

	var valueLen = int(binary.BigEndian.Uint32(msg[valueOffset : valueOffset+4]))
	if valueLen < 0 || valueLen > maxValueLen {
		return cmd, fmt.Errorf("invalid value length: %d", uint32(valueLen))
	}
	if len(msg) < valueOffset+4+valueLen {
		return cmd, fmt.Errorf("incomplete message for value: need %d, got %d", valueOffset+4+valueLen, len(msg))
	}

	cmd.Value = string(msg[valueOffset+4 : valueOffset+4+valueLen])

	return cmd, nil
}
