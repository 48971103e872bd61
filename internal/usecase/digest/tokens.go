package digest

// TokenEstimator оценивает стоимость текста в токенах и обрезает текст по бюджету.
type TokenEstimator interface {
	Estimate(s string) float64
	Truncate(s string, budget float64) string
}

// WeightedEstimator — грубая оценка: иероглифы CJK дороже прочих символов.
// Это не токенизатор.
type WeightedEstimator struct {
	CJK   float64
	Other float64
}

// DefaultEstimator используется построителем промпта по умолчанию.
var DefaultEstimator TokenEstimator = WeightedEstimator{CJK: 1.6, Other: 0.3}

const ellipsis = "..."

func (e WeightedEstimator) cost(r rune) float64 {
	if r >= 0x4E00 && r <= 0x9FFF {
		return e.CJK
	}
	return e.Other
}

// Estimate возвращает оценку числа токенов.
func (e WeightedEstimator) Estimate(s string) float64 {
	var total float64
	for _, r := range s {
		total += e.cost(r)
	}
	return total
}

// Truncate обрезает s на символе, который превышает бюджет, и добавляет многоточие.
func (e WeightedEstimator) Truncate(s string, budget float64) string {
	var total float64
	for i, r := range s {
		total += e.cost(r)
		if total > budget {
			return s[:i] + ellipsis
		}
	}
	return s
}
