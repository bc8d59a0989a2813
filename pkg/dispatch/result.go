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

package dispatch

import (
	"fmt"

	"slabvisor.dev/slabvisor/pkg/binary"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/ring0"
)

// Tag identifies the variant of a Result.
type Tag uint8

// Result tags.
const (
	TagNone Tag = iota
	TagU32
	TagU64
	TagBool
	TagContext
	TagParams
)

// String implements fmt.Stringer.String.
func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagU32:
		return "u32"
	case TagU64:
		return "u64"
	case TagBool:
		return "bool"
	case TagContext:
		return "context"
	case TagParams:
		return "params"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Result is the tagged result of a gateway call.
type Result interface {
	// Tag returns the variant.
	Tag() Tag

	isResult()
}

// None is the result of calls that return nothing.
type None struct{}

// U32 is a 32-bit result.
type U32 uint32

// U64 is a 64-bit result.
type U64 uint64

// Bool is a success flag.
type Bool bool

// Context is a context descriptor result.
type Context struct {
	partition.ContextDesc
}

// Params is a CPU-state block result. A nil block means the state could not
// be read.
type Params struct {
	ring0.Params
}

func (None) Tag() Tag    { return TagNone }
func (U32) Tag() Tag     { return TagU32 }
func (U64) Tag() Tag     { return TagU64 }
func (Bool) Tag() Tag    { return TagBool }
func (Context) Tag() Tag { return TagContext }
func (Params) Tag() Tag  { return TagParams }

func (None) isResult()    {}
func (U32) isResult()     {}
func (U64) isResult()     {}
func (Bool) isResult()    {}
func (Context) isResult() {}
func (Params) isResult()  {}

// EncodeResult returns the wire form of r: the tag byte followed by the
// little-endian payload. A Params payload is the operation followed by the
// block; an unreadable block is operation zero alone.
func EncodeResult(r Result) []byte {
	buf := []byte{byte(r.Tag())}
	switch r := r.(type) {
	case None:
		return buf
	case U32:
		return binary.AppendUint32(buf, binary.LittleEndian, uint32(r))
	case U64:
		return binary.AppendUint64(buf, binary.LittleEndian, uint64(r))
	case Bool:
		return binary.Marshal(buf, binary.LittleEndian, bool(r))
	case Context:
		return binary.Marshal(buf, binary.LittleEndian, r.ContextDesc)
	case Params:
		if r.Params == nil {
			return binary.AppendUint64(buf, binary.LittleEndian, 0)
		}
		buf = binary.AppendUint64(buf, binary.LittleEndian, uint64(r.Operation()))
		return append(buf, ring0.Encode(r.Params)...)
	default:
		panic(fmt.Sprintf("unknown result %T", r))
	}
}
