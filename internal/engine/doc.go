// Package engine содержит общую логику шагов функции.
//
// Включает:
//   - validate.go  — валидация FunctionDefinition при построении реестра
//   - template.go  — рендеринг Go templates ({{ .Event.data.x }})
//   - condition.go — CEL-условия шагов и фильтры триггеров
//
// Engine не хранит состояния run: контекст собирается orchestrator'ом
// из события и мемоизированных StepRecord.
package engine
