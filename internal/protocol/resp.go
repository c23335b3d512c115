package protocol

import (
	"fmt"
)

func EncodeSimpleString(s string) []byte {
	return []byte(fmt.Sprintf("+%s\r\n", s))
}

func EncodeError(s string) []byte {
	return []byte(fmt.Sprintf("-%s\r\n", s))
}

func EncodeInteger(i int64) []byte {
	return []byte(fmt.Sprintf(":%d\r\n", i))
}

func EncodeBulkString(s string) []byte {
	return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(s), s))
}

func EncodeNullBulkString() []byte {
	return []byte("$-1\r\n")
}

func EncodeArray(items []string) []byte {
	result := fmt.Sprintf("*%d\r\n", len(items))
	for _, item := range items {
		result += fmt.Sprintf("$%d\r\n%s\r\n", len(item), item)
	}
	return []byte(result)
}

// EncodeRawArray encodes an array of already-encoded RESP responses.
// Used for EXEC to return an array of command results.
func EncodeRawArray(items [][]byte) []byte {
	totalSize := len(fmt.Sprintf("*%d\r\n", len(items)))
	for _, item := range items {
		totalSize += len(item)
	}

	result := make([]byte, 0, totalSize)
	result = append(result, []byte(fmt.Sprintf("*%d\r\n", len(items)))...)
	for _, item := range items {
		result = append(result, item...)
	}
	return result
}

// EncodeValue encodes an arbitrary reply value recursively: a nested slice
// becomes a nested array, a string becomes a bulk string, an integer becomes
// an integer frame, and nil becomes a null bulk string.
func EncodeValue(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return EncodeNullBulkString()
	case string:
		return EncodeBulkString(val)
	case int64:
		return EncodeInteger(val)
	case int:
		return EncodeInteger(int64(val))
	case []string:
		return EncodeArray(val)
	case []interface{}:
		result := []byte(fmt.Sprintf("*%d\r\n", len(val)))
		for _, item := range val {
			result = append(result, EncodeValue(item)...)
		}
		return result
	default:
		return EncodeBulkString(fmt.Sprintf("%v", val))
	}
}

// EncodeFile encodes the full-resync payload frame: a bulk-string header
// followed by the raw bytes with NO trailing CRLF.
func EncodeFile(data []byte) []byte {
	result := []byte(fmt.Sprintf("$%d\r\n", len(data)))
	return append(result, data...)
}
