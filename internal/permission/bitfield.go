// Package permission はDiscordパーミッションのビットフィールド表現を提供する。
package permission

import (
	"fmt"
	"math/big"
)

// Bitfield はビット位置の集合としてパーミッションを表すイミュータブルな値型。
// DiscordのパーミッションはJavaScriptのNumberで安全に扱える53bitを超えるため、
// 任意精度整数で保持する。すべての操作は新しいBitfieldを返し、
// レシーバを変更しない。
type Bitfield struct {
	bits *big.Int
}

// Zero は空のBitfieldを返す。
func Zero() Bitfield {
	return Bitfield{bits: new(big.Int)}
}

// FromUint64 はuint64からBitfieldを生成する。
func FromUint64(v uint64) Bitfield {
	return Bitfield{bits: new(big.Int).SetUint64(v)}
}

// Parse は10進文字列からBitfieldを生成する。
// Discord APIはパーミッションを10進文字列で返す。
func Parse(s string) (Bitfield, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return Bitfield{}, fmt.Errorf("invalid permission bitfield: %q", s)
	}
	return Bitfield{bits: n}, nil
}

// String は10進文字列表現を返す。
func (b Bitfield) String() string {
	return b.value().String()
}

// value はnilレシーバ対策として内部値を正規化して返す。
// ゼロ値のBitfieldは空集合として扱う。
func (b Bitfield) value() *big.Int {
	if b.bits == nil {
		return new(big.Int)
	}
	return b.bits
}

// checkBit はビット位置の事前条件を検証する。
// 負のビット位置は呼び出し側のバグであり、パニックさせる。
func checkBit(bit int) {
	if bit < 0 {
		panic(fmt.Sprintf("permission: negative bit position %d", bit))
	}
}

// Has は指定ビットが立っているかを返す。
func (b Bitfield) Has(bit int) bool {
	checkBit(bit)
	return b.value().Bit(bit) == 1
}

// Set は指定ビットをすべて立てた新しいBitfieldを返す。
func (b Bitfield) Set(bits ...int) Bitfield {
	n := new(big.Int).Set(b.value())
	for _, bit := range bits {
		checkBit(bit)
		n.SetBit(n, bit, 1)
	}
	return Bitfield{bits: n}
}

// Unset は指定ビットをすべて下ろした新しいBitfieldを返す。
func (b Bitfield) Unset(bits ...int) Bitfield {
	n := new(big.Int).Set(b.value())
	for _, bit := range bits {
		checkBit(bit)
		n.SetBit(n, bit, 0)
	}
	return Bitfield{bits: n}
}

// Toggle は指定ビットをすべて反転した新しいBitfieldを返す。
func (b Bitfield) Toggle(bits ...int) Bitfield {
	n := new(big.Int).Set(b.value())
	for _, bit := range bits {
		checkBit(bit)
		n.SetBit(n, bit, 1-n.Bit(bit))
	}
	return Bitfield{bits: n}
}

// HasAll は指定ビットがすべて立っているかを返す。
// ビットを指定しない場合はtrueを返す。
func (b Bitfield) HasAll(bits ...int) bool {
	for _, bit := range bits {
		if !b.Has(bit) {
			return false
		}
	}
	return true
}

// HasAny は指定ビットのいずれかが立っているかを返す。
// ビットを指定しない場合はfalseを返す。
func (b Bitfield) HasAny(bits ...int) bool {
	for _, bit := range bits {
		if b.Has(bit) {
			return true
		}
	}
	return false
}

// PopCount は立っているビットの数を返す。
func (b Bitfield) PopCount() int {
	count := 0
	for _, w := range b.value().Bits() {
		for ; w != 0; w &= w - 1 {
			count++
		}
	}
	return count
}

// SetBits は立っているビット位置を昇順で返す。
func (b Bitfield) SetBits() []int {
	v := b.value()
	bits := make([]int, 0, b.PopCount())
	for i := 0; i < v.BitLen(); i++ {
		if v.Bit(i) == 1 {
			bits = append(bits, i)
		}
	}
	return bits
}

// Combine は2つのBitfieldの和集合（OR）を返す。
func (b Bitfield) Combine(other Bitfield) Bitfield {
	return Bitfield{bits: new(big.Int).Or(b.value(), other.value())}
}

// Subtract はotherに含まれるビットを取り除いた差集合（AND NOT）を返す。
func (b Bitfield) Subtract(other Bitfield) Bitfield {
	return Bitfield{bits: new(big.Int).AndNot(b.value(), other.value())}
}

// Intersect は2つのBitfieldの積集合（AND）を返す。
func (b Bitfield) Intersect(other Bitfield) Bitfield {
	return Bitfield{bits: new(big.Int).And(b.value(), other.value())}
}

// Equal は2つのBitfieldが同じビット集合かを返す。
func (b Bitfield) Equal(other Bitfield) bool {
	return b.value().Cmp(other.value()) == 0
}
