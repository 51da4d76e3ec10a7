// Package steps содержит действия run-шагов.
//
// # Обзор
//
// Действие — побочный эффект шага вида run. Каждое действие:
//   - получает конфигурацию, уже отрендеренную через engine.RenderConfig;
//   - выполняет эффект (HTTP-запрос, трансформация, функция Go);
//   - возвращает Output, который сохраняется как результат шага.
//
// # Интерфейс Action
//
//	type Action interface {
//	    Name() string
//	    Execute(ctx context.Context, req *Request) (*Response, error)
//	}
//
// Request несёт RunID, StepID, номер попытки и IdempotencyKey
// ("<run_id>:<step_id>"). Ключ один и тот же для всех попыток шага.
//
// # Ошибки
//
// Ошибка классифицируется через domain.KindOf. Действие помечает её
// domain.Transient или domain.Permanent; неклассифицированные ошибки
// считаются временными и повторяются по политике retry.
//
// # Registry
//
//	registry := steps.DefaultRegistry() // http, transform
//	registry.RegisterFunc("send-email", func(ctx context.Context, req *steps.Request) (any, error) {
//	    return map[string]any{"sent": true}, nil
//	})
//
// # HTTP (http.go)
//
// Вызов webhook. Заголовок Idempotency-Key выставляется автоматически.
// 5xx, 429 и ошибки транспорта временные, прочие 4xx постоянные.
//
// # Transform (transform.go)
//
// Возвращает отрендеренную конфигурацию (или её ключ mappings), приводя
// строки к JSON-типам.
package steps
