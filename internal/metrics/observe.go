package metrics

import "github.com/chatcore/internal/apperr"

// ObserveOp учитывает результат операции движка: "ok" или вид ошибки.
func ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	Operations.WithLabelValues(op, result).Inc()
}
