// Package fixedpoint 提供十进制金额与 10^18 定点整数表示之间的转换。
// 内存中的价格/数量/费用运算统一使用 decimal.Decimal，持久化与广播边界
// 使用定点整数字符串，避免浮点误差。
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale 定点小数位数，定点值 = 十进制值 * 10^Scale
const Scale = 18

// toleranceUnits 持久化边界上附加的舍入容差（定点单位）。
// 写入时通过 AddTolerance 加上，读取时通过 StripTolerance 去除。
const toleranceUnits = 100

var tolerance = big.NewInt(toleranceUnits)

// ToScaled 将十进制值转换为 10^18 定点整数，多余精度截断
func ToScaled(d decimal.Decimal) *big.Int {
	return d.Shift(Scale).Truncate(0).BigInt()
}

// FromScaled 将定点整数还原为十进制值
func FromScaled(i *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(i, -Scale)
}

// AddTolerance 在定点值上加入舍入容差，返回新值
func AddTolerance(i *big.Int) *big.Int {
	return new(big.Int).Add(i, tolerance)
}

// StripTolerance 去除写入时加入的舍入容差，返回新值
func StripTolerance(i *big.Int) *big.Int {
	return new(big.Int).Sub(i, tolerance)
}

// ToStored 生成持久化表示：加入容差后的定点整数十进制字符串
func ToStored(d decimal.Decimal) string {
	return AddTolerance(ToScaled(d)).String()
}

// FromStored 解析持久化表示，去除容差并还原为十进制值
func FromStored(s string) (decimal.Decimal, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid fixed-point value: %q", s)
	}
	return FromScaled(StripTolerance(i)), nil
}

// ParseAmount 严格解析一个非负十进制金额，submit 校验入口使用
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal amount: %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount: %q", s)
	}
	return d, nil
}
