// Package cli реализует команды stepflow поверх HTTP API.
//
// Команды:
//
//	event send NAME [--data JSON | --data-file FILE] [--set K=V] [--id ID]
//	run show ID
//	run list FUNCTION_ID [--status S] [--page N] [--page-size N]
//	run cancel ID
//	function list
//
// Глобальные флаги: --api-url (или STEPFLOW_API_URL) и --json.
// Табличный вывод идёт в stdout, сообщения — в stderr.
package cli
