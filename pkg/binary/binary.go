// Copyright 2018 Google LLC
// Copyright 2026 The slabvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package binary translates between fixed-size hypercall argument layouts and
// their packed wire representation.
//
// Layouts are packed: there is no alignment padding between fields, so the
// wire size of a struct is the sum of the sizes of its fields.
package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

// LittleEndian is the byte order of every hypercall argument block.
var LittleEndian = binary.LittleEndian

// Errors returned by Unmarshal.
var (
	ErrSize        = errors.New("argument block size mismatch")
	ErrInvalidType = errors.New("type has no fixed-size layout")
)

// AppendUint16 appends the binary representation of a uint16 to buf.
func AppendUint16(buf []byte, order binary.ByteOrder, num uint16) []byte {
	buf = append(buf, make([]byte, 2)...)
	order.PutUint16(buf[len(buf)-2:], num)
	return buf
}

// AppendUint32 appends the binary representation of a uint32 to buf.
func AppendUint32(buf []byte, order binary.ByteOrder, num uint32) []byte {
	buf = append(buf, make([]byte, 4)...)
	order.PutUint32(buf[len(buf)-4:], num)
	return buf
}

// AppendUint64 appends the binary representation of a uint64 to buf.
func AppendUint64(buf []byte, order binary.ByteOrder, num uint64) []byte {
	buf = append(buf, make([]byte, 8)...)
	order.PutUint64(buf[len(buf)-8:], num)
	return buf
}

// Marshal appends a binary representation of data to buf.
//
// data must only contain bools, fixed-length signed and unsigned ints,
// arrays, structs and compositions of said types. data may be a pointer, but
// cannot contain pointers. Marshal panics on any other type, since layouts
// are fixed at compile time.
func Marshal(buf []byte, order binary.ByteOrder, data any) []byte {
	return marshal(buf, order, reflect.Indirect(reflect.ValueOf(data)))
}

func marshal(buf []byte, order binary.ByteOrder, data reflect.Value) []byte {
	switch data.Kind() {
	case reflect.Bool:
		var b byte
		if data.Bool() {
			b = 1
		}
		buf = append(buf, b)

	case reflect.Int8:
		buf = append(buf, byte(int8(data.Int())))
	case reflect.Int16:
		buf = AppendUint16(buf, order, uint16(int16(data.Int())))
	case reflect.Int32:
		buf = AppendUint32(buf, order, uint32(int32(data.Int())))
	case reflect.Int64:
		buf = AppendUint64(buf, order, uint64(data.Int()))

	case reflect.Uint8:
		buf = append(buf, byte(data.Uint()))
	case reflect.Uint16:
		buf = AppendUint16(buf, order, uint16(data.Uint()))
	case reflect.Uint32:
		buf = AppendUint32(buf, order, uint32(data.Uint()))
	case reflect.Uint64:
		buf = AppendUint64(buf, order, data.Uint())

	case reflect.Array:
		for i, l := 0, data.Len(); i < l; i++ {
			buf = marshal(buf, order, data.Index(i))
		}

	case reflect.Struct:
		for i, l := 0, data.NumField(); i < l; i++ {
			buf = marshal(buf, order, data.Field(i))
		}

	default:
		panic("invalid type: " + data.Type().String())
	}
	return buf
}

// Unmarshal unpacks buf into data, which must be a pointer.
//
// buf must have a length of exactly Size(data); anything else returns an
// error wrapping ErrSize and leaves data untouched. Unlike Marshal, which
// only sees trusted layouts, Unmarshal is fed caller-controlled bytes and
// never panics on them.
func Unmarshal(buf []byte, order binary.ByteOrder, data any) error {
	value := reflect.ValueOf(data)
	if value.Kind() != reflect.Pointer || value.IsNil() {
		return fmt.Errorf("%w: %T", ErrInvalidType, data)
	}
	value = value.Elem()
	want, ok := sizeof(value)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidType, value.Type())
	}
	if uintptr(len(buf)) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %s", ErrSize, len(buf), want, value.Type())
	}
	unmarshal(buf, order, value)
	return nil
}

func unmarshal(buf []byte, order binary.ByteOrder, data reflect.Value) []byte {
	switch data.Kind() {
	case reflect.Bool:
		data.SetBool(buf[0] != 0)
		buf = buf[1:]

	case reflect.Int8:
		data.SetInt(int64(int8(buf[0])))
		buf = buf[1:]
	case reflect.Int16:
		data.SetInt(int64(int16(order.Uint16(buf))))
		buf = buf[2:]
	case reflect.Int32:
		data.SetInt(int64(int32(order.Uint32(buf))))
		buf = buf[4:]
	case reflect.Int64:
		data.SetInt(int64(order.Uint64(buf)))
		buf = buf[8:]

	case reflect.Uint8:
		data.SetUint(uint64(buf[0]))
		buf = buf[1:]
	case reflect.Uint16:
		data.SetUint(uint64(order.Uint16(buf)))
		buf = buf[2:]
	case reflect.Uint32:
		data.SetUint(uint64(order.Uint32(buf)))
		buf = buf[4:]
	case reflect.Uint64:
		data.SetUint(order.Uint64(buf))
		buf = buf[8:]

	case reflect.Array:
		for i, l := 0, data.Len(); i < l; i++ {
			buf = unmarshal(buf, order, data.Index(i))
		}

	case reflect.Struct:
		for i, l := 0, data.NumField(); i < l; i++ {
			if field := data.Field(i); field.CanSet() {
				buf = unmarshal(buf, order, field)
			} else {
				n, _ := sizeof(field)
				buf = buf[n:]
			}
		}
	}
	return buf
}

// Size calculates the buffer size needed by Marshal or Unmarshal. It panics
// on types Marshal does not support.
func Size(v any) uintptr {
	data := reflect.Indirect(reflect.ValueOf(v))
	n, ok := sizeof(data)
	if !ok {
		panic("invalid type: " + data.Type().String())
	}
	return n
}

func sizeof(data reflect.Value) (uintptr, bool) {
	switch data.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1, true
	case reflect.Int16, reflect.Uint16:
		return 2, true
	case reflect.Int32, reflect.Uint32:
		return 4, true
	case reflect.Int64, reflect.Uint64:
		return 8, true

	case reflect.Array:
		if data.Len() == 0 {
			return 0, true
		}
		n, ok := sizeof(data.Index(0))
		return n * uintptr(data.Len()), ok

	case reflect.Struct:
		var size uintptr
		for i, l := 0, data.NumField(); i < l; i++ {
			n, ok := sizeof(data.Field(i))
			if !ok {
				return 0, false
			}
			size += n
		}
		return size, true

	default:
		return 0, false
	}
}
