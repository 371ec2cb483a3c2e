package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Base58 alphabet used by Bitcoin and Tron
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Lookup = make(map[byte]int64)

func init() {
	for i, c := range base58Alphabet {
		base58Lookup[byte(c)] = int64(i)
	}
}

// base58Encode encodes bytes to base58 string
func base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}

	var numZeros int
	for _, b := range input {
		if b != 0 {
			break
		}
		numZeros++
	}

	num := new(big.Int).SetBytes(input)

	var encoded []byte
	base := big.NewInt(58)
	zero := big.NewInt(0)
	mod := new(big.Int)

	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		encoded = append(encoded, base58Alphabet[mod.Int64()])
	}

	for i := 0; i < numZeros; i++ {
		encoded = append(encoded, base58Alphabet[0])
	}

	for i, j := 0, len(encoded)-1; i < j; i, j = i+1, j-1 {
		encoded[i], encoded[j] = encoded[j], encoded[i]
	}

	return string(encoded)
}

// base58Decode decodes base58 string to bytes
func base58Decode(input string) ([]byte, error) {
	if len(input) == 0 {
		return nil, errors.New("empty input")
	}

	var numZeros int
	for _, c := range input {
		if c != '1' {
			break
		}
		numZeros++
	}

	num := big.NewInt(0)
	base := big.NewInt(58)

	for _, c := range input {
		val, ok := base58Lookup[byte(c)]
		if !ok {
			return nil, errors.New("invalid base58 character")
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(val))
	}

	decoded := num.Bytes()

	result := make([]byte, numZeros+len(decoded))
	copy(result[numZeros:], decoded)

	return result, nil
}

// doubleSHA256 performs double SHA256 hash
func doubleSHA256(data []byte) []byte {
	hash1 := sha256.Sum256(data)
	hash2 := sha256.Sum256(hash1[:])
	return hash2[:]
}

// HexToBase58 converts Tron hex address (starting with 41) to base58 format (starting with T)
func HexToBase58(hexAddr string) string {
	hexAddr = strings.TrimPrefix(hexAddr, "0x")
	hexAddr = strings.TrimPrefix(hexAddr, "0X")

	// 已经是 base58 格式
	if strings.HasPrefix(hexAddr, "T") {
		return hexAddr
	}

	// Tron 主网地址以 41 开头
	if !strings.HasPrefix(hexAddr, "41") {
		return hexAddr
	}

	addrBytes, err := hex.DecodeString(hexAddr)
	if err != nil {
		return hexAddr
	}

	// 校验和: double SHA256 前4字节
	checksum := doubleSHA256(addrBytes)[:4]
	addrWithChecksum := append(addrBytes, checksum...)

	return base58Encode(addrWithChecksum)
}

// Base58ToHex converts Tron base58 address (starting with T) to hex format (starting with 41)
func Base58ToHex(base58Addr string) (string, error) {
	if !strings.HasPrefix(base58Addr, "T") {
		if strings.HasPrefix(base58Addr, "41") {
			return base58Addr, nil
		}
		return "", errors.New("invalid Tron address")
	}

	decoded, err := base58Decode(base58Addr)
	if err != nil {
		return "", err
	}

	if len(decoded) != 25 {
		return "", errors.New("invalid address length")
	}

	addrBytes := decoded[:21]
	checksum := decoded[21:]

	expectedChecksum := doubleSHA256(addrBytes)[:4]
	for i := 0; i < 4; i++ {
		if checksum[i] != expectedChecksum[i] {
			return "", errors.New("invalid checksum")
		}
	}

	return hex.EncodeToString(addrBytes), nil
}

// NormalizeAddress 标准化地址
// Tron 链转为 base58；EVM 链统一小写。
func NormalizeAddress(addr string, network string) string {
	addr = strings.TrimSpace(addr)

	if network == "trc20" {
		if strings.HasPrefix(addr, "41") || strings.HasPrefix(addr, "0x41") {
			addr = HexToBase58(addr)
		}
		// base58 区分大小写，保持原样
		return addr
	}

	return strings.ToLower(addr)
}

// ParseTokenAmount 解析十进制整数串的代币金额
// 原始整数除以 10^decimals，全程 decimal 精确运算。
func ParseTokenAmount(value string, decimals int) decimal.Decimal {
	value = strings.TrimLeft(value, "0")
	if value == "" {
		value = "0"
	}

	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}

	return amount.Shift(int32(-decimals))
}

// ParseHexAmount 解析十六进制金额
func ParseHexAmount(hexValue string, decimals int) decimal.Decimal {
	hexValue = strings.TrimPrefix(hexValue, "0x")
	if hexValue == "" {
		return decimal.Zero
	}

	value := new(big.Int)
	if _, ok := value.SetString(hexValue, 16); !ok {
		return decimal.Zero
	}

	return ParseTokenAmount(value.String(), decimals)
}

// ParseHexUint64 解析十六进制数字
func ParseHexUint64(hexValue string) uint64 {
	hexValue = strings.TrimPrefix(hexValue, "0x")
	if hexValue == "" {
		return 0
	}

	value := new(big.Int)
	if _, ok := value.SetString(hexValue, 16); !ok {
		return 0
	}
	return value.Uint64()
}

// PadTopicAddress 将地址填充为32字节的 topic 形式
func PadTopicAddress(addr string) string {
	addr = strings.TrimPrefix(strings.ToLower(addr), "0x")
	return "0x" + strings.Repeat("0", 64-len(addr)) + addr
}

// DecodeTransferCallData 解码 TRC20 transfer(address,uint256) 调用数据
// data: 4字节方法ID(a9059cbb) + 32字节收款地址 + 32字节金额
func DecodeTransferCallData(data string) (toAddr string, amount decimal.Decimal, err error) {
	data = strings.TrimPrefix(data, "0x")
	if len(data) < 8+64+64 {
		return "", decimal.Zero, fmt.Errorf("call data too short: %d", len(data))
	}
	if data[:8] != "a9059cbb" {
		return "", decimal.Zero, fmt.Errorf("not a transfer call: %s", data[:8])
	}

	// 收款地址在第一个参数的后20字节，补上 Tron 的 41 前缀
	addrHex := "41" + data[8+24:8+64]
	toAddr = HexToBase58(addrHex)

	amount = ParseHexAmount(data[8+64:8+128], USDTDecimals)
	return toAddr, amount, nil
}

// USDTDecimals USDT 在所覆盖链上的统一精度
const USDTDecimals = 6
