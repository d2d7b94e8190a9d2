package plate

// Match 匹配结果
type Match struct {
	Plate    string  `json:"plate"` // 登记时的车牌
	Key      string  `json:"key"`   // 规范化比较键
	Score    float64 `json:"score"`
	Distance int     `json:"distance"`
	Method   Method  `json:"method"`
}

// better 按得分、编辑距离、字典序决定优先级
func (m Match) better(o Match) bool {
	if m.Score != o.Score {
		return m.Score > o.Score
	}
	if m.Distance != o.Distance {
		return m.Distance < o.Distance
	}
	return m.Key < o.Key
}

// Score 对单个候选车牌打分
// 完全一致和 OCR 变体总是视为命中，其它情况需要相似度不低于阈值
func Score(recognized, candidate string, threshold float64) (Match, bool) {
	rk, ck := Key(recognized), Key(candidate)
	if rk == "" || ck == "" {
		return Match{}, false
	}

	m := Match{Plate: candidate, Key: ck}
	if rk == ck {
		m.Score, m.Method = ScoreExact, MethodExact
		return m, true
	}

	for _, v := range Variants(ck) {
		if v == rk {
			m.Score, m.Distance, m.Method = ScoreVariant, 1, MethodOCRVariant
			return m, true
		}
	}

	m.Distance = Distance(rk, ck)
	m.Score = Similarity(rk, ck)
	m.Method = MethodSimilarity
	return m, m.Score >= threshold
}

// BestMatch 在候选集合中找最佳匹配，没有达到阈值的候选时返回 false
func BestMatch(recognized string, candidates []string, threshold float64) (Match, bool) {
	var (
		best  Match
		found bool
	)
	for _, c := range candidates {
		m, ok := Score(recognized, c, threshold)
		if !ok {
			continue
		}
		if !found || m.better(best) {
			best, found = m, true
		}
	}
	return best, found
}
