package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// DataField 是 stream 消息中存放序列化內容的欄位
const DataField = "data"

var (
	ErrPointerType  = errors.New("pointer type is not allowed")
	ErrMissingField = errors.New("data field not found or invalid type")
)

// DefaultParseToMessage 以 msgpack + base64 將 struct 編碼為 stream 消息
func DefaultParseToMessage[T any](data T) (map[string]any, error) {
	// 檢查是否為指標類型
	if t := reflect.TypeOf(data); t == nil || t.Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		DataField: base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DefaultParseFromMessage 將 DefaultParseToMessage 產生的 stream 消息解碼回 struct
func DefaultParseFromMessage[T any](message map[string]any) (T, error) {
	var result T

	// 檢查是否為指標類型
	if t := reflect.TypeOf(result); t == nil || t.Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	var encoded string
	switch v := message[DataField].(type) {
	case string:
		encoded = v
	case []byte:
		encoded = string(v)
	default:
		return result, ErrMissingField
	}

	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}
