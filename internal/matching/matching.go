// Package matching содержит чистую логику сопоставления сумм платежей.
package matching

import "math"

// DefaultTolerance — относительное отклонение суммы по умолчанию (0.5%).
const DefaultTolerance = 0.005

// Outcome — результат оценки наблюдаемой суммы против ожидаемой.
type Outcome int

const (
	// OutcomeNone: суммы нет или она не положительна.
	OutcomeNone Outcome = iota
	// OutcomePartial: сумма положительна, но ниже допуска полной оплаты.
	OutcomePartial
	// OutcomeFull: сумма в пределах допуска полной оплаты.
	OutcomeFull
	// OutcomeExcess: сумма превышает ожидаемую больше чем на допуск.
	// Такой депозит не привязывается автоматически и требует оператора.
	OutcomeExcess
)

func (o Outcome) String() string {
	switch o {
	case OutcomePartial:
		return "partial"
	case OutcomeFull:
		return "full"
	case OutcomeExcess:
		return "excess"
	}
	return "none"
}

// WithinTolerance проверяет, что относительное отклонение наблюдаемой суммы
// от ожидаемой не превышает допуск: |observed-expected|/expected <= tolerance.
func WithinTolerance(expected, observed, tolerance float64) bool {
	if expected <= 0 {
		return false
	}
	return math.Abs(observed-expected)/expected <= tolerance
}

// Evaluate классифицирует накопленную наблюдаемую сумму по инвойсу.
func Evaluate(expected, observed, tolerance float64) Outcome {
	if expected <= 0 || observed <= 0 {
		return OutcomeNone
	}
	if WithinTolerance(expected, observed, tolerance) {
		return OutcomeFull
	}
	if observed < expected {
		return OutcomePartial
	}
	return OutcomeExcess
}

// AddressMatches сравнивает адреса депозита. Сравнение точное и
// регистрозависимое: нормализация между сетями не выполняется.
func AddressMatches(invoiceAddr, depositAddr string) bool {
	return invoiceAddr != "" && invoiceAddr == depositAddr
}
