// Package cli реализует операторскую утилиту Tradeflow.
//
// # Обзор
//
// CLI работает напрямую с Postgres и RabbitMQ (REST API у системы нет).
// Зависимости собираются лениво через Connect после парсинга флагов,
// поэтому `tradeflow --help` не требует доступной инфраструктуры.
//
// # Команды
//
//   - campaign: list, show, activate, pause, resume, stop, force
//   - job: list, show
//   - dlq: list, replay
//
// Каждая группа создаётся фабричной функцией (NewCampaignCmd и т.д.),
// принимающей depsFn и outputFn — замыкания, вызываемые внутри RunE.
//
// # Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные выводятся в stdout, сообщения (Success/Error/Warn) — в stderr:
//
//	tradeflow job list --status dead --json | jq .
package cli
