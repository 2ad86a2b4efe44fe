// Package decimal 精度计算工具：金额/价格一律以十进制字符串传输，
// 内部用 big.Int + 小数位数表示，严禁二进制浮点。
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimal 高精度十进制数（值语义）
type Decimal struct {
	value *big.Int // 最小单位整数
	scale int      // 小数位数
}

// Zero 零值
var Zero = Decimal{value: big.NewInt(0), scale: 0}

// Parse 从字符串解析
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Zero, fmt.Errorf("invalid decimal: %q", s)
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" && fracPart == "" {
		return Zero, fmt.Errorf("invalid decimal: %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}

	value := new(big.Int)
	if _, ok := value.SetString(intPart+fracPart, 10); !ok {
		return Zero, fmt.Errorf("invalid decimal: %q", s)
	}
	if negative {
		value.Neg(value)
	}

	return Decimal{value: value, scale: len(fracPart)}, nil
}

// MustParse 解析失败时 panic，仅用于常量
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromUnits 从最小单位整数创建
func FromUnits(v int64, scale int) Decimal {
	return Decimal{value: big.NewInt(v), scale: scale}
}

// FromInt 从整数创建
func FromInt(v int64) Decimal {
	return Decimal{value: big.NewInt(v), scale: 0}
}

// String 转十进制字符串，去除尾部零
func (d Decimal) String() string {
	if d.value == nil {
		return "0"
	}

	s := d.value.String()
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	if d.scale > 0 {
		for len(s) <= d.scale {
			s = "0" + s
		}
		pos := len(s) - d.scale
		s = s[:pos] + "." + s[pos:]
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}

	if negative {
		return "-" + s
	}
	return s
}

// Units 转为指定精度的最小单位整数。
// 超出精度的尾数或超出 int64 范围均报错，绝不静默截断用户金额。
func (d Decimal) Units(scale int) (int64, error) {
	if d.value == nil {
		return 0, nil
	}
	v := new(big.Int).Set(d.value)
	diff := scale - d.scale
	if diff > 0 {
		v.Mul(v, pow10(diff))
	} else if diff < 0 {
		div := pow10(-diff)
		rem := new(big.Int)
		v.QuoRem(v, div, rem)
		if rem.Sign() != 0 {
			return 0, fmt.Errorf("decimal %s exceeds scale %d", d.String(), scale)
		}
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("decimal %s overflows int64 at scale %d", d.String(), scale)
	}
	return v.Int64(), nil
}

// Cmp 比较：-1 (d < other), 0, 1
func (d Decimal) Cmp(other Decimal) int {
	a, b := align(d, other)
	return a.value.Cmp(b.value)
}

// Add 加法
func (d Decimal) Add(other Decimal) Decimal {
	a, b := align(d, other)
	return Decimal{value: new(big.Int).Add(a.value, b.value), scale: a.scale}
}

// Sub 减法
func (d Decimal) Sub(other Decimal) Decimal {
	a, b := align(d, other)
	return Decimal{value: new(big.Int).Sub(a.value, b.value), scale: a.scale}
}

// Mul 乘法
func (d Decimal) Mul(other Decimal) Decimal {
	return Decimal{
		value: new(big.Int).Mul(bigOrZero(d.value), bigOrZero(other.value)),
		scale: d.scale + other.scale,
	}
}

// Neg 取负
func (d Decimal) Neg() Decimal {
	return Decimal{value: new(big.Int).Neg(bigOrZero(d.value)), scale: d.scale}
}

// IsZero 是否为零
func (d Decimal) IsZero() bool {
	return d.value == nil || d.value.Sign() == 0
}

// IsPositive 是否为正
func (d Decimal) IsPositive() bool {
	return d.value != nil && d.value.Sign() > 0
}

// IsNegative 是否为负
func (d Decimal) IsNegative() bool {
	return d.value != nil && d.value.Sign() < 0
}

// Truncate 截断到指定精度（向零）
func (d Decimal) Truncate(scale int) Decimal {
	if scale >= d.scale {
		return d
	}
	v := new(big.Int).Quo(bigOrZero(d.value), pow10(d.scale-scale))
	return Decimal{value: v, scale: scale}
}

// align 对齐精度
func align(a, b Decimal) (Decimal, Decimal) {
	av, bv := bigOrZero(a.value), bigOrZero(b.value)
	if a.scale == b.scale {
		return Decimal{av, a.scale}, Decimal{bv, b.scale}
	}
	if a.scale > b.scale {
		scaled := new(big.Int).Mul(bv, pow10(a.scale-b.scale))
		return Decimal{av, a.scale}, Decimal{scaled, a.scale}
	}
	scaled := new(big.Int).Mul(av, pow10(b.scale-a.scale))
	return Decimal{scaled, b.scale}, Decimal{bv, b.scale}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
