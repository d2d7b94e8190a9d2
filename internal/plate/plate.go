// Package plate 车牌规范化与 OCR 容错匹配
package plate

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// DefaultThreshold 登记车牌匹配的默认相似度阈值
const DefaultThreshold = 0.75

// 匹配得分
const (
	ScoreExact   = 1.0
	ScoreVariant = 0.95
)

// Method 匹配方式
type Method string

const (
	MethodExact      Method = "exact"
	MethodOCRVariant Method = "ocr_variant"
	MethodSimilarity Method = "similarity"
)

// confusionGroups OCR 常见混淆字符，同组内互相替换
var confusionGroups = []string{
	"0OQD",
	"1IL",
	"2Z",
	"5S",
	"6G",
	"8B",
}

// substitutions 由 confusionGroups 展开的替换表
var substitutions = buildSubstitutions()

func buildSubstitutions() map[byte][]byte {
	table := make(map[byte][]byte)
	for _, group := range confusionGroups {
		for i := 0; i < len(group); i++ {
			for j := 0; j < len(group); j++ {
				if i != j {
					table[group[i]] = append(table[group[i]], group[j])
				}
			}
		}
	}
	return table
}

// Normalize 规范化车牌: 去空白、转大写、只保留字母数字和短横线
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Key 比较用的键，在 Normalize 基础上去掉短横线
func Key(raw string) string {
	return strings.ReplaceAll(Normalize(raw), "-", "")
}

// Variants 生成单字符 OCR 混淆变体 (不含原值)
func Variants(raw string) []string {
	key := Key(raw)
	seen := map[string]struct{}{key: {}}
	var out []string
	for i := 0; i < len(key); i++ {
		for _, sub := range substitutions[key[i]] {
			v := key[:i] + string(sub) + key[i+1:]
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Distance 两个车牌键之间的编辑距离
func Distance(a, b string) int {
	return levenshtein.ComputeDistance(Key(a), Key(b))
}

// Similarity 归一化 Levenshtein 相似度 (maxLen - distance) / maxLen
func Similarity(a, b string) float64 {
	ka, kb := Key(a), Key(b)
	maxLen := len(ka)
	if len(kb) > maxLen {
		maxLen = len(kb)
	}
	if maxLen == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(ka, kb)
	return float64(maxLen-d) / float64(maxLen)
}
